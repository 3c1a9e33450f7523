// Package orchestrator owns task submission and the two execution modes:
// sequential in-process chaining and event-driven dispatch through the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// ErrBrokerUnavailable is returned on submit when event-driven mode has no
// reachable broker. The API surfaces it as 503.
var ErrBrokerUnavailable = errors.New("event broker unavailable")

// TaskStore is the slice of the state store the orchestrator needs.
type TaskStore interface {
	CreateTask(ctx context.Context, projectID, prompt string) (*store.Task, error)
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
	Transition(ctx context.Context, taskID string, phase store.Phase, status store.Status) error
	SetSummary(ctx context.Context, taskID, summary string) error
	CancelTask(ctx context.Context, taskID string) error
	AppendEvent(ctx context.Context, env *envelope.Envelope) error
}

var _ TaskStore = (*store.Client)(nil)

// Broker is what the orchestrator needs from the bus in event-driven mode.
// Nil broker means sequential mode.
type Broker interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
	HealthCheck(ctx context.Context) error
}

// LogPublisher pushes terminal task signals to the WebSocket stream. Nil
// disables streaming.
type LogPublisher interface {
	PublishAgentLog(ctx context.Context, payload logstream.AgentLogPayload) error
	PublishTaskStatus(ctx context.Context, payload logstream.TaskStatusPayload) error
}

var _ LogPublisher = (*logstream.Publisher)(nil)

// Orchestrator routes tasks into the pipeline.
type Orchestrator struct {
	tasks    TaskStore
	broker   Broker
	logs     LogPublisher
	runtimes map[string][]*agent.Runtime // event type -> candidate runtimes
}

// New wires the orchestrator. In sequential mode broker is nil and the
// runtimes are driven in-process; in event-driven mode the runtimes belong
// to the worker manager and only submission happens here.
func New(tasks TaskStore, broker Broker, runtimes []*agent.Runtime, logs LogPublisher) *Orchestrator {
	byType := make(map[string][]*agent.Runtime)
	for _, rt := range runtimes {
		for _, et := range rt.Agent().EventTypes() {
			byType[et] = append(byType[et], rt)
		}
	}
	return &Orchestrator{tasks: tasks, broker: broker, logs: logs, runtimes: byType}
}

// EventDriven reports which mode the orchestrator runs in.
func (o *Orchestrator) EventDriven() bool { return o.broker != nil }

// ExecuteTask submits a prompt. Event-driven mode returns after publishing
// task.initiated; sequential mode runs the full pipeline and returns the
// terminal task state.
func (o *Orchestrator) ExecuteTask(ctx context.Context, projectID, prompt string) (*store.Task, error) {
	if o.EventDriven() {
		return o.submitEvent(ctx, projectID, prompt)
	}
	return o.runSequential(ctx, projectID, prompt)
}

func (o *Orchestrator) submitEvent(ctx context.Context, projectID, prompt string) (*store.Task, error) {
	if err := o.broker.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	task, err := o.tasks.CreateTask(ctx, projectID, prompt)
	if err != nil {
		return nil, err
	}

	env := envelope.NewTrace(task.ID, "orchestrator", envelope.TypeTaskInitiated)
	if err := env.SetPayload(envelope.TaskInitiatedPayload{ProjectID: projectID, Prompt: prompt}); err != nil {
		return nil, err
	}
	if err := o.broker.Publish(ctx, env); err != nil {
		o.failTask(ctx, task.ID, "failed to publish task.initiated: "+err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	slog.Info("Task submitted", "task_id", task.ID, "project_id", projectID, "mode", "event_driven")
	return task, nil
}

// runSequential drives the chain in-process. Each successor is routed to
// the runtime that accepts it; the rework edge loops naturally because the
// coder accepts failing test results.
func (o *Orchestrator) runSequential(ctx context.Context, projectID, prompt string) (*store.Task, error) {
	task, err := o.tasks.CreateTask(ctx, projectID, prompt)
	if err != nil {
		return nil, err
	}
	slog.Info("Task submitted", "task_id", task.ID, "project_id", projectID, "mode", "sequential")

	env := envelope.NewTrace(task.ID, "orchestrator", envelope.TypeTaskInitiated)
	if err := env.SetPayload(envelope.TaskInitiatedPayload{ProjectID: projectID, Prompt: prompt}); err != nil {
		return nil, err
	}
	o.appendEvent(ctx, env)

	for env != nil {
		if env.EventType == envelope.TypeDeployStatus {
			o.finalize(ctx, task.ID, env)
			break
		}

		successor, err := o.step(ctx, env)
		if err != nil {
			// The runtime has marked the task failed; record the signal.
			failed, buildErr := agent.FailureEnvelope(env, "orchestrator", err)
			if buildErr == nil {
				o.appendEvent(ctx, failed)
			}
			break
		}
		if successor != nil {
			o.appendEvent(ctx, successor)
		}
		env = successor
	}

	return o.tasks.GetTask(ctx, task.ID)
}

// step routes the envelope to the accepting runtime. No runtime accepting
// an event ends the chain quietly (cancelled tasks land here).
func (o *Orchestrator) step(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	for _, rt := range o.runtimes[env.EventType] {
		if f, ok := rt.Agent().(agent.EventFilter); ok && !f.Accepts(env) {
			continue
		}
		return rt.Process(ctx, env)
	}
	return nil, nil
}

// finalize closes out the task from the deploy result.
func (o *Orchestrator) finalize(ctx context.Context, taskID string, env *envelope.Envelope) {
	status, err := envelope.DecodePayload[envelope.DeployStatusPayload](env)
	if err != nil {
		o.failTask(ctx, taskID, "malformed deploy status: "+err.Error())
		return
	}
	if !status.OK {
		o.failTask(ctx, taskID, "deploy failed: "+status.Reason)
		return
	}

	if err := o.tasks.Transition(ctx, taskID, store.PhaseComplete, store.StatusSucceeded); err != nil {
		slog.Error("Failed to complete task", "task_id", taskID, "error", err)
		return
	}
	summary := fmt.Sprintf("deployed: %s (fallback %s)", status.PreviewURL, status.FallbackURL)
	if err := o.tasks.SetSummary(ctx, taskID, summary); err != nil {
		slog.Warn("Failed to record completion summary", "task_id", taskID, "error", err)
	}
	o.streamTaskStatus(ctx, taskID, store.StatusSucceeded, summary)
	slog.Info("Task completed", "task_id", taskID, "preview_url", status.PreviewURL)
}

// CancelTask flips the cooperative cancellation flag and records the
// signal. Agents observe the flag at their next step boundary.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID string) error {
	if err := o.tasks.CancelTask(ctx, taskID); err != nil {
		return err
	}

	env := envelope.NewTrace(taskID, "orchestrator", envelope.TypeTaskCancelled)
	if o.EventDriven() {
		if err := o.broker.Publish(ctx, env); err != nil {
			slog.Warn("Failed to publish task.cancelled", "task_id", taskID, "error", err)
		}
	} else {
		o.appendEvent(ctx, env)
	}
	o.streamTaskStatus(ctx, taskID, store.StatusCancelled, "cancelled by user")
	slog.Info("Task cancelled", "task_id", taskID)
	return nil
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, summary string) {
	err := o.tasks.Transition(ctx, taskID, store.PhaseFailed, store.StatusFailed)
	if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
		slog.Error("Failed to mark task failed", "task_id", taskID, "error", err)
		return
	}
	if err := o.tasks.SetSummary(ctx, taskID, summary); err != nil {
		slog.Warn("Failed to record failure summary", "task_id", taskID, "error", err)
	}

	if o.logs != nil {
		if err := o.logs.PublishAgentLog(ctx, logstream.AgentLogPayload{
			TaskID:  taskID,
			Agent:   "orchestrator",
			Phase:   string(store.PhaseFailed),
			Level:   logstream.LevelError,
			Message: "❌ " + summary,
		}); err != nil {
			slog.Warn("Failed to publish failure log line", "task_id", taskID, "error", err)
		}
	}
	o.streamTaskStatus(ctx, taskID, store.StatusFailed, summary)
}

// streamTaskStatus pushes a terminal status to the WebSocket stream. Best
// effort: the task row is authoritative.
func (o *Orchestrator) streamTaskStatus(ctx context.Context, taskID string, status store.Status, summary string) {
	if o.logs == nil {
		return
	}
	if err := o.logs.PublishTaskStatus(ctx, logstream.TaskStatusPayload{
		TaskID:  taskID,
		Status:  string(status),
		Summary: summary,
	}); err != nil {
		slog.Warn("Failed to publish task status", "task_id", taskID, "status", status, "error", err)
	}
}

// appendEvent audit-logs an envelope in sequential mode, where no bus
// publisher does it on our behalf.
func (o *Orchestrator) appendEvent(ctx context.Context, env *envelope.Envelope) {
	if err := o.tasks.AppendEvent(ctx, env); err != nil {
		slog.Warn("Failed to append event to audit log",
			"task_id", env.TaskID, "event_type", env.EventType, "error", err)
	}
}
