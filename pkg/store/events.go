package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

// AgentEvent is one row of the append-only event log.
type AgentEvent struct {
	ID        int64           `json:"id"`
	TraceID   string          `json:"trace_id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendEvent writes one envelope to the append-only log. Rows are never
// updated or deleted.
func (c *Client) AppendEvent(ctx context.Context, env *envelope.Envelope) error {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return withRetry(ctx, "append_event", func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO agent_events (trace_id, task_id, actor, event_type, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			env.TraceID, env.TaskID, env.Actor, env.EventType, payload, env.Timestamp)
		return err
	})
}

// ListEvents returns the event log for a task in append order.
func (c *Client) ListEvents(ctx context.Context, taskID string) ([]AgentEvent, error) {
	var events []AgentEvent
	err := withRetry(ctx, "list_events", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT id, trace_id, task_id, actor, event_type, payload, created_at
			 FROM agent_events WHERE task_id = $1 ORDER BY id ASC`, taskID)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var ev AgentEvent
			if err := rows.Scan(&ev.ID, &ev.TraceID, &ev.TaskID, &ev.Actor,
				&ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}
