package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/bus"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// agentHandler adapts a runtime to the bus handler contract.
//
// Agent failures (AgentError) are terminal: the runtime has already marked
// the task failed, so the handler forwards the poisoned event to the DLQ
// for audit, publishes task.failed, and acknowledges. Anything else is
// infrastructure trouble; the error propagates so the broker redelivers,
// and the dead-letter hook fails the task if the budget runs out.
func (m *Manager) agentHandler(rt *agent.Runtime) bus.Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		successor, err := rt.Process(ctx, env)
		if err != nil {
			var ae *agent.AgentError
			if !errors.As(err, &ae) {
				return err
			}
			m.deadLetter(ctx, env)
			m.publishFailure(ctx, env, rt.Agent().Name(), err)
			return nil
		}
		if successor == nil {
			return nil
		}
		return m.pub.Publish(ctx, successor)
	}
}

// finalizeHandler consumes deploy.status and closes out the task.
func (m *Manager) finalizeHandler(ctx context.Context, env *envelope.Envelope) error {
	status, err := envelope.DecodePayload[envelope.DeployStatusPayload](env)
	if err != nil {
		slog.Error("Discarding malformed deploy status", "task_id", env.TaskID, "error", err)
		return nil
	}

	if status.OK {
		if err := m.tasks.Transition(ctx, env.TaskID, store.PhaseComplete, store.StatusSucceeded); err != nil {
			if errors.Is(err, store.ErrTaskTerminal) || errors.Is(err, store.ErrIllegalTransition) {
				return nil
			}
			return err
		}
		summary := fmt.Sprintf("deployed: %s (fallback %s)", status.PreviewURL, status.FallbackURL)
		if err := m.tasks.SetSummary(ctx, env.TaskID, summary); err != nil {
			slog.Warn("Failed to record completion summary", "task_id", env.TaskID, "error", err)
		}
		m.streamTaskStatus(ctx, env.TaskID, store.StatusSucceeded, summary)
		slog.Info("Task completed", "task_id", env.TaskID, "preview_url", status.PreviewURL)
		return nil
	}

	m.failTask(ctx, env.TaskID, "deployer", "deploy failed: "+status.Reason)
	m.deadLetter(ctx, env)
	m.publishFailure(ctx, env, "deployer", agent.ToolError(errors.New(status.Reason)))
	return nil
}

// scanHandler consumes explorer.scan.request and persists the scan. Scans
// carry no task, so failures only affect redelivery of the scan itself.
func (m *Manager) scanHandler(ctx context.Context, env *envelope.Envelope) error {
	req, err := envelope.DecodePayload[envelope.ExplorerScanPayload](env)
	if err != nil {
		slog.Error("Discarding malformed scan request", "trace_id", env.TraceID, "error", err)
		return nil
	}
	if req.SystemName == "" {
		slog.Error("Discarding scan request without system name", "trace_id", env.TraceID)
		return nil
	}

	id, err := m.scans.RecordScan(ctx, &store.ExplorerScan{
		SystemName: req.SystemName,
		Brief:      req.Brief,
	})
	if err != nil {
		return err
	}
	slog.Info("Explorer scan recorded", "scan_id", id, "system", req.SystemName)
	return nil
}

// onScanDeadLetter logs an exhausted scan request. There is no task row to
// fail; the event stays in the DLQ for inspection.
func (m *Manager) onScanDeadLetter(_ context.Context, env *envelope.Envelope, cause error) {
	slog.Error("Scan request exhausted deliveries", "trace_id", env.TraceID, "error", cause)
}

// onDeadLetter fails the task on behalf of an event that exhausted its
// delivery budget. The event itself is already in the DLQ.
func (m *Manager) onDeadLetter(ctx context.Context, env *envelope.Envelope, cause error) {
	m.failTask(ctx, env.TaskID, env.Actor, fmt.Sprintf("event %s exhausted deliveries: %v", env.EventType, cause))
	m.publishFailure(ctx, env, env.Actor, cause)
}

func (m *Manager) failTask(ctx context.Context, taskID, actor, summary string) {
	err := m.tasks.Transition(ctx, taskID, store.PhaseFailed, store.StatusFailed)
	if err != nil && !errors.Is(err, store.ErrTaskTerminal) {
		slog.Error("Failed to mark task failed", "task_id", taskID, "error", err)
		return
	}
	if err := m.tasks.SetSummary(ctx, taskID, summary); err != nil {
		slog.Warn("Failed to record failure summary", "task_id", taskID, "error", err)
	}

	// Watchers get the failure as the final log line, then the terminal
	// status.
	if m.logs != nil {
		if err := m.logs.PublishAgentLog(ctx, logstream.AgentLogPayload{
			TaskID:  taskID,
			Agent:   actor,
			Phase:   string(store.PhaseFailed),
			Level:   logstream.LevelError,
			Message: "❌ " + summary,
		}); err != nil {
			slog.Warn("Failed to publish failure log line", "task_id", taskID, "error", err)
		}
	}
	m.streamTaskStatus(ctx, taskID, store.StatusFailed, summary)
}

// streamTaskStatus pushes the terminal status to the WebSocket stream.
// Best effort: the task row is authoritative.
func (m *Manager) streamTaskStatus(ctx context.Context, taskID string, status store.Status, summary string) {
	if m.logs == nil {
		return
	}
	if err := m.logs.PublishTaskStatus(ctx, logstream.TaskStatusPayload{
		TaskID:  taskID,
		Status:  string(status),
		Summary: summary,
	}); err != nil {
		slog.Warn("Failed to publish task status", "task_id", taskID, "status", status, "error", err)
	}
}

// deadLetter forwards a copy of a poisoned event for audit. Best effort:
// the task is already terminal when this runs.
func (m *Manager) deadLetter(ctx context.Context, env *envelope.Envelope) {
	if err := m.pub.PublishToDLQ(ctx, env); err != nil {
		slog.Error("Failed to dead-letter event",
			"task_id", env.TaskID, "event_type", env.EventType, "error", err)
	}
}

// publishFailure emits task.failed for observers. Best effort: the task row
// is already terminal, a lost signal only delays watchers.
func (m *Manager) publishFailure(ctx context.Context, env *envelope.Envelope, actor string, cause error) {
	failed, err := agent.FailureEnvelope(env, actor, cause)
	if err != nil {
		slog.Error("Failed to build task.failed envelope", "task_id", env.TaskID, "error", err)
		return
	}
	if err := m.pub.Publish(ctx, failed); err != nil {
		slog.Error("Failed to publish task.failed", "task_id", env.TaskID, "error", err)
	}
}
