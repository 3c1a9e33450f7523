package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExplorerScan is one stored proactive scan result: a system brief plus
// discovered risks and improvement proposals.
type ExplorerScan struct {
	ID         int64           `json:"id"`
	SystemName string          `json:"system_name"`
	Brief      string          `json:"brief"`
	Risks      json.RawMessage `json:"risks"`
	Proposals  json.RawMessage `json:"proposals"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RecordScan persists one explorer scan result and returns its id.
func (c *Client) RecordScan(ctx context.Context, scan *ExplorerScan) (int64, error) {
	risks := scan.Risks
	if risks == nil {
		risks = json.RawMessage(`[]`)
	}
	proposals := scan.Proposals
	if proposals == nil {
		proposals = json.RawMessage(`[]`)
	}

	var id int64
	err := withRetry(ctx, "record_scan", func() error {
		return c.db.QueryRowContext(ctx,
			`INSERT INTO explorer_scans (system_name, brief, risks, proposals)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			scan.SystemName, scan.Brief, []byte(risks), []byte(proposals),
		).Scan(&id)
	})
	return id, err
}

// GetScan fetches one scan by id.
func (c *Client) GetScan(ctx context.Context, id int64) (*ExplorerScan, error) {
	var scan ExplorerScan
	err := withRetry(ctx, "get_scan", func() error {
		err := c.db.QueryRowContext(ctx,
			`SELECT id, system_name, brief, risks, proposals, created_at
			 FROM explorer_scans WHERE id = $1`, id,
		).Scan(&scan.ID, &scan.SystemName, &scan.Brief, &scan.Risks,
			&scan.Proposals, &scan.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scan %d: %w", id, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

// ListScans returns scans for a system, newest first, up to limit.
func (c *Client) ListScans(ctx context.Context, systemName string, limit int) ([]ExplorerScan, error) {
	if limit <= 0 {
		limit = 20
	}
	var scans []ExplorerScan
	err := withRetry(ctx, "list_scans", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT id, system_name, brief, risks, proposals, created_at
			 FROM explorer_scans WHERE system_name = $1
			 ORDER BY created_at DESC LIMIT $2`, systemName, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		scans = scans[:0]
		for rows.Next() {
			var scan ExplorerScan
			if err := rows.Scan(&scan.ID, &scan.SystemName, &scan.Brief,
				&scan.Risks, &scan.Proposals, &scan.CreatedAt); err != nil {
				return err
			}
			scans = append(scans, scan)
		}
		return rows.Err()
	})
	return scans, err
}
