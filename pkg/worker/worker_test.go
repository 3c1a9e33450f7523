package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

type fakeTasks struct {
	transitions []store.Phase
	statuses    []store.Status
	summaries   []string
	failNext    error
}

func (f *fakeTasks) Transition(_ context.Context, _ string, phase store.Phase, status store.Status) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.transitions = append(f.transitions, phase)
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeTasks) SetSummary(_ context.Context, _, summary string) error {
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeTasks) IsCancelled(context.Context, string) (bool, error) { return false, nil }

type fakePub struct {
	published    []*envelope.Envelope
	deadLettered []*envelope.Envelope
	err          error
}

func (f *fakePub) Publish(_ context.Context, env *envelope.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, env)
	return nil
}

func (f *fakePub) PublishToDLQ(_ context.Context, env *envelope.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.deadLettered = append(f.deadLettered, env)
	return nil
}

type scriptedAgent struct {
	result func(env *envelope.Envelope) (*envelope.Envelope, error)
}

func (s *scriptedAgent) Name() string         { return "planner" }
func (s *scriptedAgent) Phase() store.Phase   { return store.PhasePlanning }
func (s *scriptedAgent) EventTypes() []string { return []string{envelope.TypeTaskInitiated} }
func (s *scriptedAgent) Handle(_ context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return s.result(env)
}

type nopLogs struct{}

func (nopLogs) PublishAgentLog(context.Context, logstream.AgentLogPayload) error       { return nil }
func (nopLogs) PublishPhaseStatus(context.Context, logstream.PhaseStatusPayload) error { return nil }
func (nopLogs) PublishTaskStatus(context.Context, logstream.TaskStatusPayload) error   { return nil }
func (nopLogs) PublishProgress(context.Context, logstream.ProgressPayload) error       { return nil }

// fakeLogs records what reaches the WebSocket stream.
type fakeLogs struct {
	lines    []logstream.AgentLogPayload
	statuses []logstream.TaskStatusPayload
}

func (f *fakeLogs) PublishAgentLog(_ context.Context, p logstream.AgentLogPayload) error {
	f.lines = append(f.lines, p)
	return nil
}

func (f *fakeLogs) PublishTaskStatus(_ context.Context, p logstream.TaskStatusPayload) error {
	f.statuses = append(f.statuses, p)
	return nil
}

type fakeScans struct {
	recorded []*store.ExplorerScan
	err      error
}

func (f *fakeScans) RecordScan(_ context.Context, scan *store.ExplorerScan) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.recorded = append(f.recorded, scan)
	return int64(len(f.recorded)), nil
}

func newManager(tasks TaskStore, pub EventPublisher) *Manager {
	return New(nil, pub, tasks, nil, nil, nil, Config{})
}

func TestAgentHandler_PublishesSuccessor(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	a := &scriptedAgent{result: func(env *envelope.Envelope) (*envelope.Envelope, error) {
		return env.Successor("planner", envelope.TypePlanCreated), nil
	}}
	handler := m.agentHandler(agent.NewRuntime(a, tasks, nopLogs{}, time.Second))

	env := envelope.NewTrace("task-1", "api", envelope.TypeTaskInitiated)
	require.NoError(t, handler(context.Background(), env))
	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypePlanCreated, pub.published[0].EventType)
}

func TestAgentHandler_AgentFailurePublishesTaskFailedAndAcks(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	a := &scriptedAgent{result: func(*envelope.Envelope) (*envelope.Envelope, error) {
		return nil, agent.ValidationError(errors.New("bad plan"))
	}}
	handler := m.agentHandler(agent.NewRuntime(a, tasks, nopLogs{}, time.Second))

	env := envelope.NewTrace("task-1", "api", envelope.TypeTaskInitiated)
	require.NoError(t, handler(context.Background(), env)) // acked, not redelivered

	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypeTaskFailed, pub.published[0].EventType)
	assert.Contains(t, tasks.transitions, store.PhaseFailed)

	// The poisoned event is forwarded to the DLQ for audit.
	require.Len(t, pub.deadLettered, 1)
	assert.Equal(t, env.EventType, pub.deadLettered[0].EventType)
}

func TestAgentHandler_ReworkExhaustedDeadLettersAndFails(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	a := &scriptedAgent{result: func(*envelope.Envelope) (*envelope.Envelope, error) {
		return nil, agent.ReworkExhausted(errors.New("tests still failing after 2 revisions"))
	}}
	handler := m.agentHandler(agent.NewRuntime(a, tasks, nopLogs{}, time.Second))

	env := envelope.NewTrace("task-1", "api", envelope.TypeTaskInitiated)
	require.NoError(t, handler(context.Background(), env))

	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypeTaskFailed, pub.published[0].EventType)
	payload, err := envelope.DecodePayload[envelope.FailurePayload](pub.published[0])
	require.NoError(t, err)
	assert.Equal(t, "rework_exhausted", payload.Reason)
	require.Len(t, pub.deadLettered, 1)
}

func TestAgentHandler_InfraErrorPropagatesForRedelivery(t *testing.T) {
	tasks := &fakeTasks{failNext: &store.UnavailableError{Op: "get_task", Err: errors.New("down")}}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	a := &scriptedAgent{result: func(env *envelope.Envelope) (*envelope.Envelope, error) {
		return env.Successor("planner", envelope.TypePlanCreated), nil
	}}
	handler := m.agentHandler(agent.NewRuntime(a, tasks, nopLogs{}, time.Second))

	env := envelope.NewTrace("task-1", "api", envelope.TypeTaskInitiated)
	err := handler(context.Background(), env)
	require.Error(t, err)
	assert.Empty(t, pub.published)
}

func TestFinalizeHandler_SuccessCompletesTask(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	env := envelope.NewTrace("task-1", "deployer", envelope.TypeDeployStatus)
	require.NoError(t, env.SetPayload(envelope.DeployStatusPayload{
		OK:         true,
		PreviewURL: "http://todo-task-1.preview.localhost",
	}))

	require.NoError(t, m.finalizeHandler(context.Background(), env))
	assert.Equal(t, []store.Phase{store.PhaseComplete}, tasks.transitions)
	assert.Equal(t, []store.Status{store.StatusSucceeded}, tasks.statuses)
	require.Len(t, tasks.summaries, 1)
	assert.Contains(t, tasks.summaries[0], "todo-task-1")
}

func TestFinalizeHandler_FailureFailsTaskAndSignals(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	logs := &fakeLogs{}
	m := New(nil, pub, tasks, nil, logs, nil, Config{})

	env := envelope.NewTrace("task-1", "deployer", envelope.TypeDeployStatus)
	require.NoError(t, env.SetPayload(envelope.DeployStatusPayload{OK: false, Reason: "image build failed"}))

	require.NoError(t, m.finalizeHandler(context.Background(), env))
	assert.Equal(t, []store.Phase{store.PhaseFailed}, tasks.transitions)
	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypeTaskFailed, pub.published[0].EventType)
	require.Len(t, pub.deadLettered, 1)

	// Watchers see the failure line, then the terminal status.
	require.Len(t, logs.lines, 1)
	assert.Contains(t, logs.lines[0].Message, "❌")
	assert.Contains(t, logs.lines[0].Message, "image build failed")
	require.Len(t, logs.statuses, 1)
	assert.Equal(t, string(store.StatusFailed), logs.statuses[0].Status)
}

func TestFinalizeHandler_SuccessStreamsTerminalStatus(t *testing.T) {
	tasks := &fakeTasks{}
	logs := &fakeLogs{}
	m := New(nil, &fakePub{}, tasks, nil, logs, nil, Config{})

	env := envelope.NewTrace("task-1", "deployer", envelope.TypeDeployStatus)
	require.NoError(t, env.SetPayload(envelope.DeployStatusPayload{
		OK:         true,
		PreviewURL: "http://todo-task-1.preview.localhost",
	}))

	require.NoError(t, m.finalizeHandler(context.Background(), env))
	require.Len(t, logs.statuses, 1)
	assert.Equal(t, string(store.StatusSucceeded), logs.statuses[0].Status)
	assert.Contains(t, logs.statuses[0].Summary, "todo-task-1")
}

func TestOnDeadLetter_FailsTask(t *testing.T) {
	tasks := &fakeTasks{}
	pub := &fakePub{}
	m := newManager(tasks, pub)

	env := envelope.NewTrace("task-1", "coder", envelope.TypeArchitectureProposed)
	m.onDeadLetter(context.Background(), env, errors.New("handler kept failing"))

	assert.Equal(t, []store.Phase{store.PhaseFailed}, tasks.transitions)
	require.Len(t, pub.published, 1)
	assert.Equal(t, envelope.TypeTaskFailed, pub.published[0].EventType)
}

func TestScanHandler_RecordsScan(t *testing.T) {
	scans := &fakeScans{}
	m := New(nil, &fakePub{}, &fakeTasks{}, scans, nil, nil, Config{})

	env := envelope.NewTrace("", "explorer", envelope.TypeExplorerScanRequest)
	require.NoError(t, env.SetPayload(envelope.ExplorerScanPayload{
		SystemName: "billing",
		Brief:      "nightly dependency scan",
	}))

	require.NoError(t, m.scanHandler(context.Background(), env))
	require.Len(t, scans.recorded, 1)
	assert.Equal(t, "billing", scans.recorded[0].SystemName)
}

func TestScanHandler_StoreErrorPropagatesForRedelivery(t *testing.T) {
	scans := &fakeScans{err: errors.New("db down")}
	m := New(nil, &fakePub{}, &fakeTasks{}, scans, nil, nil, Config{})

	env := envelope.NewTrace("", "explorer", envelope.TypeExplorerScanRequest)
	require.NoError(t, env.SetPayload(envelope.ExplorerScanPayload{SystemName: "billing"}))
	require.Error(t, m.scanHandler(context.Background(), env))
}

func TestScanHandler_MissingSystemNameAcks(t *testing.T) {
	scans := &fakeScans{}
	m := New(nil, &fakePub{}, &fakeTasks{}, scans, nil, nil, Config{})

	env := envelope.NewTrace("", "explorer", envelope.TypeExplorerScanRequest)
	require.NoError(t, m.scanHandler(context.Background(), env))
	assert.Empty(t, scans.recorded)
}

func TestHealth_ReportsUnhealthyConsumers(t *testing.T) {
	m := newManager(&fakeTasks{}, &fakePub{})
	assert.Empty(t, m.Health())

	m.markUnhealthy("coder-queue", "stopped after 5 consecutive crashes")
	health := m.Health()
	require.Len(t, health, 1)
	assert.Contains(t, health["coder-queue"], "crashes")
}
