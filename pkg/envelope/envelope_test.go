package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTrace(t *testing.T) {
	env := NewTrace("task-1", "orchestrator", TypeTaskInitiated)

	assert.Equal(t, SchemaVersion, env.Version)
	assert.NotEmpty(t, env.TraceID)
	assert.Equal(t, "task-1", env.TaskID)
	assert.Equal(t, "orchestrator", env.Actor)
	assert.False(t, env.Timestamp.IsZero())
	require.NoError(t, env.Validate())
}

func TestSuccessor_CarriesChainIdentity(t *testing.T) {
	first := NewTrace("task-1", "orchestrator", TypeTaskInitiated)
	first.Repo = "todo-app"
	first.Branch = "feature/task-task-1"

	next := first.Successor("planner", TypePlanCreated)

	assert.Equal(t, first.TraceID, next.TraceID)
	assert.Equal(t, first.TaskID, next.TaskID)
	assert.Equal(t, "planner", next.Actor)
	assert.Equal(t, TypePlanCreated, next.EventType)
	assert.Equal(t, "todo-app", next.Repo)
	assert.Equal(t, "feature/task-task-1", next.Branch)
}

func TestMarshalUnmarshal_PreservesUnknownPayloadFields(t *testing.T) {
	env := NewTrace("task-1", "planner", TypePlanCreated)
	env.Payload = map[string]any{
		"features":     []any{"auth"},
		"tasks":        []any{"scaffold"},
		"experimental": "kept-on-forward",
	}

	data, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "kept-on-forward", parsed.Payload["experimental"])

	// A typed decode still succeeds, ignoring the unknown field.
	plan, err := DecodePayload[PlanPayload](parsed)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth"}, plan.Features)
}

func TestUnmarshal_RejectsIncompleteEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing trace", `{"version":"1.0","task_id":"t","event_type":"plan.created","timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing task", `{"version":"1.0","trace_id":"x","event_type":"plan.created","timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing type", `{"version":"1.0","trace_id":"x","task_id":"t","timestamp":"2026-01-01T00:00:00Z"}`},
		{"missing version", `{"trace_id":"x","task_id":"t","event_type":"plan.created","timestamp":"2026-01-01T00:00:00Z"}`},
		{"garbage", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestSetPayload_RoundTrips(t *testing.T) {
	env := NewTrace("task-1", "tester", TypeTestResults)
	require.NoError(t, env.SetPayload(TestResultsPayload{
		OK: true, Passed: 12, Skipped: 1, ProjectID: "P",
	}))

	results, err := DecodePayload[TestResultsPayload](env)
	require.NoError(t, err)
	assert.True(t, results.OK)
	assert.Equal(t, 12, results.Passed)
	assert.Equal(t, 1, results.Skipped)
	assert.Zero(t, results.Failed)
}

func TestChain_Order(t *testing.T) {
	require.Len(t, Chain, 7)
	assert.Equal(t, TypeTaskInitiated, Chain[0])
	assert.Equal(t, TypeDeployStatus, Chain[len(Chain)-1])
}
