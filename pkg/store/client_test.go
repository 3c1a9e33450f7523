package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

// newTestClient creates a store client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a testcontainer.
func newTestClient(t *testing.T) *Client {
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	client, err := NewClient(ctx, DefaultConfig(connStr))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClient_TaskLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "build a todo app")
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, PhasePlanning, task.Phase)
	assert.Equal(t, StatusQueued, task.Status)

	// Walk the forward chain.
	require.NoError(t, client.Transition(ctx, task.ID, PhasePlanning, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseArchitecture, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseCoding, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseTesting, StatusRunning))

	// Rework edge: testing back to coding.
	require.NoError(t, client.Transition(ctx, task.ID, PhaseCoding, StatusRunning))
	attempts, err := client.BumpRework(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// Illegal edge is rejected without changing the row.
	err = client.Transition(ctx, task.ID, PhaseDeploying, StatusRunning)
	require.ErrorIs(t, err, ErrIllegalTransition)

	got, err := client.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCoding, got.Phase)
	assert.Equal(t, 1, got.ReworkAttempts)

	// Finish the run.
	require.NoError(t, client.Transition(ctx, task.ID, PhaseTesting, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseReviewing, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseDeploying, StatusRunning))
	require.NoError(t, client.Transition(ctx, task.ID, PhaseComplete, StatusSucceeded))

	// Terminal tasks reject further writes.
	err = client.Transition(ctx, task.ID, PhaseFailed, StatusFailed)
	require.ErrorIs(t, err, ErrTaskTerminal)
	err = client.CancelTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrTaskTerminal)
}

func TestClient_CancelTask(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "cancel me")
	require.NoError(t, err)

	cancelled, err := client.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, client.CancelTask(ctx, task.ID))

	cancelled, err = client.IsCancelled(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Missing task is reported as not found, not terminal.
	err = client.CancelTask(ctx, "no-such-task")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClient_EventLog(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "log some events")
	require.NoError(t, err)

	env := envelope.NewTrace(task.ID, "planner", envelope.TypeTaskInitiated)
	require.NoError(t, env.SetPayload(map[string]any{"prompt": "log some events"}))
	require.NoError(t, client.AppendEvent(ctx, env))

	next := env.Successor("planner", envelope.TypePlanCreated)
	require.NoError(t, next.SetPayload(map[string]any{"features": []string{"a"}}))
	require.NoError(t, client.AppendEvent(ctx, next))

	events, err := client.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, envelope.TypeTaskInitiated, events[0].EventType)
	assert.Equal(t, envelope.TypePlanCreated, events[1].EventType)
	assert.Equal(t, events[0].TraceID, events[1].TraceID)
	assert.Less(t, events[0].ID, events[1].ID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "log some events", payload["prompt"])
}

func TestClient_Previews(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "deploy a preview")
	require.NoError(t, err)

	now := time.Now().UTC()
	preview := &Preview{
		TaskID:       task.ID,
		ProjectName:  "todo-app",
		BackendPort:  9000,
		FrontendPort: 9001,
		PreviewURL:   "http://todo-app-12345678.preview.local",
		Status:       PreviewStatusDeployed,
		HealthStatus: HealthHealthy,
		DeployedAt:   now,
		ExpiresAt:    now.Add(-time.Hour), // already expired
	}
	require.NoError(t, client.RecordPreview(ctx, preview))

	active, err := client.ListPreviews(ctx, PreviewFilterActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, task.ID, active[0].TaskID)

	expired, err := client.ExpiredPreviews(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Contains(t, expired, task.ID)

	ports, err := client.ReservedPorts(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{9000, 9001}, ports)

	require.NoError(t, client.MarkPreviewCleaned(ctx, task.ID))

	active, err = client.ListPreviews(ctx, PreviewFilterActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Cleaned previews release their ports.
	ports, err = client.ReservedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports)

	got, err := client.GetPreview(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, PreviewStatusCleanedUp, got.Status)
}

func TestClient_UsageAccounting(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "count tokens")
	require.NoError(t, err)

	require.NoError(t, client.RecordUsage(ctx, &LLMUsage{
		TaskID: task.ID, Agent: "planner", Model: "gpt-4o",
		InputTokens: 100, OutputTokens: 50, CostUSD: 0.01,
	}))
	require.NoError(t, client.RecordUsage(ctx, &LLMUsage{
		TaskID: task.ID, Agent: "coder", Model: "gpt-4o",
		InputTokens: 400, OutputTokens: 250, CostUSD: 0.05,
	}))

	summary, err := client.TaskUsage(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Calls)
	assert.Equal(t, 500, summary.InputTokens)
	assert.Equal(t, 300, summary.OutputTokens)
	assert.InDelta(t, 0.06, summary.CostUSD, 1e-9)
}

func TestClient_LogEventPruning(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	task, err := client.CreateTask(ctx, "proj-1", "stream logs")
	require.NoError(t, err)
	channel := "task:" + task.ID

	for i := 0; i < 3; i++ {
		_, err := client.DB().ExecContext(ctx,
			`INSERT INTO log_events (task_id, channel, payload) VALUES ($1, $2, $3)`,
			task.ID, channel, []byte(`{"message":"line"}`))
		require.NoError(t, err)
	}

	events, err := client.LogEventsSince(ctx, channel, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Catchup from a mid-stream id returns only later rows.
	later, err := client.LogEventsSince(ctx, channel, events[0].ID)
	require.NoError(t, err)
	assert.Len(t, later, 2)

	pruned, err := client.PruneLogEvents(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	events, err = client.LogEventsSince(ctx, channel, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
