package logstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/catalyst-hq/catalyst/pkg/store"
)

// StoreCatchup adapts the store's log-event queries to the CatchupQuerier
// interface.
type StoreCatchup struct {
	store *store.Client
}

// NewStoreCatchup wraps a store client for catchup queries.
func NewStoreCatchup(s *store.Client) *StoreCatchup {
	return &StoreCatchup{store: s}
}

// CatchupEvents returns events on a channel after sinceID, up to limit.
func (s *StoreCatchup) CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	rows, err := s.store.LogEventsSince(ctx, channel, sinceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	events := make([]CatchupEvent, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode stored event %d: %w", row.ID, err)
		}
		events = append(events, CatchupEvent{ID: row.ID, Payload: payload})
	}
	return events, nil
}
