package store

import (
	"context"
	"encoding/json"
	"time"
)

// LogEvent is one row of the transient log stream backing WebSocket
// delivery. The row id doubles as the per-channel sequence number clients
// use for reconnect catchup.
type LogEvent struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// LogEventsSince returns log events on a channel with id greater than
// afterID, in order. Reconnecting clients pass their last seen id.
func (c *Client) LogEventsSince(ctx context.Context, channel string, afterID int64) ([]LogEvent, error) {
	var events []LogEvent
	err := withRetry(ctx, "log_events_since", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT id, task_id, channel, payload, created_at
			 FROM log_events WHERE channel = $1 AND id > $2 ORDER BY id ASC`,
			channel, afterID)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = events[:0]
		for rows.Next() {
			var ev LogEvent
			if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Channel, &ev.Payload, &ev.CreatedAt); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return rows.Err()
	})
	return events, err
}

// PruneLogEvents deletes log events older than the cutoff and returns the
// number removed. The scheduler calls this on its hourly sweep.
func (c *Client) PruneLogEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := withRetry(ctx, "prune_log_events", func() error {
		res, err := c.db.ExecContext(ctx,
			`DELETE FROM log_events WHERE created_at < $1`, cutoff)
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}
