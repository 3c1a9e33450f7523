package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const (
	// maxHandleAttempts bounds retries of a retryable agent failure within
	// one delivery. Broker-level redelivery sits on top of this.
	maxHandleAttempts = 3

	handleRetryBackoff = 2 * time.Second
)

// TaskStore is the slice of the state store the runtime needs.
type TaskStore interface {
	Transition(ctx context.Context, taskID string, phase store.Phase, status store.Status) error
	SetSummary(ctx context.Context, taskID, summary string) error
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

var _ TaskStore = (*store.Client)(nil)

// LogPublisher is the slice of the log stream the runtime needs.
type LogPublisher interface {
	PublishAgentLog(ctx context.Context, payload logstream.AgentLogPayload) error
	PublishPhaseStatus(ctx context.Context, payload logstream.PhaseStatusPayload) error
	PublishTaskStatus(ctx context.Context, payload logstream.TaskStatusPayload) error
	PublishProgress(ctx context.Context, payload logstream.ProgressPayload) error
}

var _ LogPublisher = (*logstream.Publisher)(nil)

// Runtime runs one agent step: cancellation check, phase transition, the
// handler under a timeout with bounded retries, and log emission. Both
// orchestrator modes drive their agents through it.
type Runtime struct {
	agent   Agent
	tasks   TaskStore
	logs    LogPublisher
	timeout time.Duration
}

// NewRuntime wraps an agent. timeout bounds one handler attempt.
func NewRuntime(a Agent, tasks TaskStore, logs LogPublisher, timeout time.Duration) *Runtime {
	return &Runtime{agent: a, tasks: tasks, logs: logs, timeout: timeout}
}

// Agent returns the wrapped agent.
func (r *Runtime) Agent() Agent { return r.agent }

// Process runs the agent for one envelope and returns the successor.
//
// (nil, nil): the agent ignored the event, or the task was already in a
// state that makes the step moot (terminal, cancelled); acknowledge and
// move on. (nil, err): the step failed terminally; the task row has been
// marked failed and the caller should emit task.failed.
func (r *Runtime) Process(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	if f, ok := r.agent.(EventFilter); ok && !f.Accepts(env) {
		return nil, nil
	}

	cancelled, err := r.tasks.IsCancelled(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Dropping event for unknown task",
				"agent", r.agent.Name(), "task_id", env.TaskID, "event_type", env.EventType)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check cancellation: %w", err)
	}
	if cancelled {
		r.log(ctx, env, logstream.LevelInfo, "skipping step, task cancelled")
		return nil, nil
	}

	if err := r.tasks.Transition(ctx, env.TaskID, r.agent.Phase(), store.StatusRunning); err != nil {
		if errors.Is(err, store.ErrTaskTerminal) {
			r.log(ctx, env, logstream.LevelInfo, "skipping step, task already terminal")
			return nil, nil
		}
		if errors.Is(err, store.ErrIllegalTransition) {
			// Stale redelivery after the pipeline moved on.
			slog.Warn("Dropping event for out-of-order phase",
				"agent", r.agent.Name(), "task_id", env.TaskID,
				"phase", r.agent.Phase(), "event_type", env.EventType)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to enter phase %s: %w", r.agent.Phase(), err)
	}

	r.publishPhase(ctx, env, store.StatusRunning)
	r.log(ctx, env, logstream.LevelInfo, "step started")

	successor, err := r.handleWithRetry(ctx, env)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			r.log(ctx, env, logstream.LevelInfo, "step abandoned, task cancelled")
			return nil, nil
		}
		r.fail(ctx, env, err)
		return nil, err
	}

	if successor == nil {
		r.log(ctx, env, logstream.LevelDebug, "event ignored")
		return nil, nil
	}

	r.log(ctx, env, logstream.LevelInfo, "step completed")
	return successor, nil
}

// handleWithRetry calls the handler under the step timeout, retrying
// retryable failures with a fixed backoff. Cancellation is re-checked
// between attempts so a long retry loop cannot outlive a cancelled task.
func (r *Runtime) handleWithRetry(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	var lastErr error
	for attempt := 1; attempt <= maxHandleAttempts; attempt++ {
		if attempt > 1 {
			if cancelled, err := r.tasks.IsCancelled(ctx, env.TaskID); err == nil && cancelled {
				return nil, ErrCancelled
			}
			select {
			case <-ctx.Done():
				return nil, TimeoutError(ctx.Err())
			case <-time.After(handleRetryBackoff):
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, r.timeout)
		successor, err := r.agent.Handle(stepCtx, env)
		cancel()

		if err == nil {
			return successor, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = TimeoutError(fmt.Errorf("step exceeded %s: %w", r.timeout, err))
		}
		if !retryable(err) {
			return nil, err
		}

		lastErr = err
		// Retry notices are transient ticks: not worth a catchup row, the
		// terminal outcome is what gets persisted.
		r.progress(ctx, env, fmt.Sprintf("step failed (attempt %d/%d), retrying: %v", attempt, maxHandleAttempts, err))
	}
	return nil, lastErr
}

// fail marks the task failed and records the reason. Best effort: a store
// failure here is logged, the caller still sees the original error.
func (r *Runtime) fail(ctx context.Context, env *envelope.Envelope, cause error) {
	kind := Classify(cause)
	slog.Error("Agent step failed terminally",
		"agent", r.agent.Name(), "task_id", env.TaskID,
		"event_type", env.EventType, "kind", kind, "error", cause)

	summary := fmt.Sprintf("%s failed: %s: %v", r.agent.Name(), kind, cause)
	if err := r.tasks.Transition(ctx, env.TaskID, store.PhaseFailed, store.StatusFailed); err != nil &&
		!errors.Is(err, store.ErrTaskTerminal) {
		slog.Error("Failed to mark task failed", "task_id", env.TaskID, "error", err)
	}
	if err := r.tasks.SetSummary(ctx, env.TaskID, summary); err != nil {
		slog.Error("Failed to record failure summary", "task_id", env.TaskID, "error", err)
	}

	r.publishPhase(ctx, env, store.StatusFailed)
	r.log(ctx, env, logstream.LevelError, "❌ "+summary)
	r.publishTaskStatus(ctx, env.TaskID, store.StatusFailed, summary)
}

// FailureEnvelope builds the task.failed event for a terminally failed
// step.
func FailureEnvelope(env *envelope.Envelope, actor string, cause error) (*envelope.Envelope, error) {
	failed := env.Successor(actor, envelope.TypeTaskFailed)
	err := failed.SetPayload(envelope.FailurePayload{
		Reason: string(Classify(cause)),
		Actor:  actor,
		Detail: cause.Error(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build failure envelope: %w", err)
	}
	return failed, nil
}

func (r *Runtime) publishPhase(ctx context.Context, env *envelope.Envelope, status store.Status) {
	if r.logs == nil {
		return
	}
	if err := r.logs.PublishPhaseStatus(ctx, logstream.PhaseStatusPayload{
		TaskID: env.TaskID,
		Phase:  string(r.agent.Phase()),
		Status: string(status),
	}); err != nil {
		slog.Warn("Failed to publish phase status",
			"agent", r.agent.Name(), "task_id", env.TaskID, "error", err)
	}
}

func (r *Runtime) publishTaskStatus(ctx context.Context, taskID string, status store.Status, summary string) {
	if r.logs == nil {
		return
	}
	if err := r.logs.PublishTaskStatus(ctx, logstream.TaskStatusPayload{
		TaskID:  taskID,
		Status:  string(status),
		Summary: summary,
	}); err != nil {
		slog.Warn("Failed to publish task status",
			"agent", r.agent.Name(), "task_id", taskID, "error", err)
	}
}

func (r *Runtime) progress(ctx context.Context, env *envelope.Envelope, message string) {
	if r.logs == nil {
		return
	}
	if err := r.logs.PublishProgress(ctx, logstream.ProgressPayload{
		TaskID:  env.TaskID,
		Agent:   r.agent.Name(),
		Message: message,
	}); err != nil {
		slog.Warn("Failed to publish progress tick",
			"agent", r.agent.Name(), "task_id", env.TaskID, "error", err)
	}
}

func (r *Runtime) log(ctx context.Context, env *envelope.Envelope, level, message string) {
	if r.logs == nil {
		return
	}
	if err := r.logs.PublishAgentLog(ctx, logstream.AgentLogPayload{
		TaskID:  env.TaskID,
		Agent:   r.agent.Name(),
		Phase:   string(r.agent.Phase()),
		Level:   level,
		Message: message,
	}); err != nil {
		slog.Warn("Failed to publish agent log",
			"agent", r.agent.Name(), "task_id", env.TaskID, "error", err)
	}
}
