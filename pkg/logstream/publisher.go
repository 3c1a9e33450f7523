package logstream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher writes log-stream events for WebSocket delivery. Persistent
// events are stored in the log_events table then broadcast via NOTIFY;
// transient events are broadcast via NOTIFY only.
//
// Each public method accepts a typed payload struct from payloads.go. The
// payload is marshaled once and routed to the task channel (and, for task
// status, mirrored to the global tasks channel).
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher over the store's connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishAgentLog persists and broadcasts one agent log line.
func (p *Publisher) PublishAgentLog(ctx context.Context, payload AgentLogPayload) error {
	payload.Type = EventTypeAgentLog
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal AgentLogPayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.TaskID, TaskChannel(payload.TaskID), payloadJSON)
}

// PublishPhaseStatus persists and broadcasts a phase transition.
func (p *Publisher) PublishPhaseStatus(ctx context.Context, payload PhaseStatusPayload) error {
	payload.Type = EventTypePhaseStatus
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal PhaseStatusPayload: %w", err)
	}
	return p.persistAndNotify(ctx, payload.TaskID, TaskChannel(payload.TaskID), payloadJSON)
}

// PublishTaskStatus persists a task status event to the task channel and
// broadcasts a transient copy to the global tasks channel. Both publishes
// are best-effort; the first error encountered is returned.
func (p *Publisher) PublishTaskStatus(ctx context.Context, payload TaskStatusPayload) error {
	payload.Type = EventTypeTaskStatus
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal TaskStatusPayload: %w", err)
	}

	var firstErr error
	if err := p.persistAndNotify(ctx, payload.TaskID, TaskChannel(payload.TaskID), payloadJSON); err != nil {
		slog.Warn("Failed to publish task status to task channel",
			"task_id", payload.TaskID, "status", payload.Status, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalTasksChannel, payloadJSON); err != nil {
		slog.Warn("Failed to publish task status to global channel",
			"task_id", payload.TaskID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishProgress broadcasts a transient progress tick (no persistence).
func (p *Publisher) PublishProgress(ctx context.Context, payload ProgressPayload) error {
	payload.Type = EventTypeProgress
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal ProgressPayload: %w", err)
	}
	return p.notifyOnly(ctx, TaskChannel(payload.TaskID), payloadJSON)
}

// persistAndNotify persists a pre-marshaled event to log_events and
// broadcasts via NOTIFY in a single transaction (pg_notify is transactional
// and held until COMMIT, so subscribers never see an id that is not yet
// queryable for catchup).
func (p *Publisher) persistAndNotify(ctx context.Context, taskID, channel string, payloadJSON []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO log_events (task_id, channel, payload, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		taskID, channel, payloadJSON, time.Now().UTC(),
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to persist log event: %w", err)
	}

	notifyPayload, err := injectSeqAndTruncate(payloadJSON, seq)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log event transaction: %w", err)
	}
	return nil
}

// notifyOnly broadcasts a pre-marshaled event via NOTIFY without
// persistence.
func (p *Publisher) notifyOnly(ctx context.Context, channel string, payloadJSON []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payloadJSON))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectSeqAndTruncate adds the sequence number to the NOTIFY payload and
// applies truncation if the result exceeds PostgreSQL's limit.
func injectSeqAndTruncate(payloadJSON []byte, seq int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payloadJSON, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for seq injection: %w", err)
	}
	m["seq"] = seq

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is if it fits within
// PostgreSQL's 8000-byte NOTIFY limit, otherwise a minimal envelope with
// only the routing fields the client needs to fetch the full event via
// catchup.
func truncateIfNeeded(payloadStr string) (string, error) {
	if len(payloadStr) <= 7900 {
		return payloadStr, nil
	}

	var routing struct {
		Type   string `json:"type"`
		TaskID string `json:"task_id"`
		Seq    *int64 `json:"seq,omitempty"`
	}
	if err := json.Unmarshal([]byte(payloadStr), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	truncated := map[string]any{
		"type":      routing.Type,
		"task_id":   routing.TaskID,
		"truncated": true,
	}
	if routing.Seq != nil {
		truncated["seq"] = *routing.Seq
	}

	truncBytes, err := json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(truncBytes), nil
}
