package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Preview deployment statuses.
const (
	PreviewStatusStarting  = "starting"
	PreviewStatusDeployed  = "deployed"
	PreviewStatusUnhealthy = "unhealthy"
	PreviewStatusCleanedUp = "cleaned_up"
	PreviewStatusFailed    = "failed"
)

// Preview health statuses.
const (
	HealthHealthy     = "healthy"
	HealthUnhealthy   = "unhealthy"
	HealthUnreachable = "unreachable"
	HealthUnknown     = "unknown"
)

// PreviewFilter selects which previews to list.
type PreviewFilter string

const (
	PreviewFilterActive  PreviewFilter = "active"
	PreviewFilterExpired PreviewFilter = "expired"
	PreviewFilterAll     PreviewFilter = "all"
)

// Preview is the persistent record of one preview stack. Container and
// network ids stay recorded after cleanup for audit; only the status says
// whether resources exist.
type Preview struct {
	TaskID              string     `json:"task_id"`
	ProjectName         string     `json:"project_name"`
	FrontendContainerID string     `json:"frontend_container_id"`
	BackendContainerID  string     `json:"backend_container_id"`
	DBContainerID       string     `json:"db_container_id"`
	NetworkID           string     `json:"network_id"`
	BackendPort         int        `json:"backend_port"`
	FrontendPort        int        `json:"frontend_port"`
	PreviewURL          string     `json:"preview_url"`
	FallbackURL         string     `json:"fallback_url"`
	Status              string     `json:"status"`
	HealthStatus        string     `json:"health_status"`
	DeployedAt          time.Time  `json:"deployed_at"`
	ExpiresAt           time.Time  `json:"expires_at"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
}

// RecordPreview upserts the preview row for a task. Re-deploys of the same
// task overwrite the previous record (last writer wins for audit rows).
func (c *Client) RecordPreview(ctx context.Context, p *Preview) error {
	return withRetry(ctx, "record_preview", func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO preview_deployments
			   (task_id, project_name, frontend_container_id, backend_container_id,
			    db_container_id, network_id, backend_port, frontend_port,
			    preview_url, fallback_url, status, health_status, deployed_at, expires_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			 ON CONFLICT (task_id) DO UPDATE SET
			   project_name = EXCLUDED.project_name,
			   frontend_container_id = EXCLUDED.frontend_container_id,
			   backend_container_id = EXCLUDED.backend_container_id,
			   db_container_id = EXCLUDED.db_container_id,
			   network_id = EXCLUDED.network_id,
			   backend_port = EXCLUDED.backend_port,
			   frontend_port = EXCLUDED.frontend_port,
			   preview_url = EXCLUDED.preview_url,
			   fallback_url = EXCLUDED.fallback_url,
			   status = EXCLUDED.status,
			   health_status = EXCLUDED.health_status,
			   deployed_at = EXCLUDED.deployed_at,
			   expires_at = EXCLUDED.expires_at`,
			p.TaskID, p.ProjectName, p.FrontendContainerID, p.BackendContainerID,
			p.DBContainerID, p.NetworkID, p.BackendPort, p.FrontendPort,
			p.PreviewURL, p.FallbackURL, p.Status, p.HealthStatus, p.DeployedAt, p.ExpiresAt)
		return err
	})
}

// GetPreview fetches the preview row for a task.
func (c *Client) GetPreview(ctx context.Context, taskID string) (*Preview, error) {
	var p Preview
	err := withRetry(ctx, "get_preview", func() error {
		err := c.db.QueryRowContext(ctx,
			`SELECT task_id, project_name, frontend_container_id, backend_container_id,
			        db_container_id, network_id, backend_port, frontend_port,
			        preview_url, fallback_url, status, health_status,
			        deployed_at, expires_at, last_health_check
			 FROM preview_deployments WHERE task_id = $1`, taskID,
		).Scan(&p.TaskID, &p.ProjectName, &p.FrontendContainerID, &p.BackendContainerID,
			&p.DBContainerID, &p.NetworkID, &p.BackendPort, &p.FrontendPort,
			&p.PreviewURL, &p.FallbackURL, &p.Status, &p.HealthStatus,
			&p.DeployedAt, &p.ExpiresAt, &p.LastHealthCheck)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("preview %s: %w", taskID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPreviews returns previews matching the filter, newest first.
func (c *Client) ListPreviews(ctx context.Context, filter PreviewFilter) ([]Preview, error) {
	where := ""
	args := []any{}
	switch filter {
	case PreviewFilterActive:
		where = `WHERE status IN ($1, $2)`
		args = append(args, PreviewStatusDeployed, PreviewStatusUnhealthy)
	case PreviewFilterExpired:
		where = `WHERE status IN ($1, $2) AND expires_at < now()`
		args = append(args, PreviewStatusDeployed, PreviewStatusUnhealthy)
	case PreviewFilterAll, "":
	default:
		return nil, fmt.Errorf("unknown preview filter %q", filter)
	}

	var previews []Preview
	err := withRetry(ctx, "list_previews", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT task_id, project_name, frontend_container_id, backend_container_id,
			        db_container_id, network_id, backend_port, frontend_port,
			        preview_url, fallback_url, status, health_status,
			        deployed_at, expires_at, last_health_check
			 FROM preview_deployments `+where+` ORDER BY deployed_at DESC`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		previews = previews[:0]
		for rows.Next() {
			var p Preview
			if err := rows.Scan(&p.TaskID, &p.ProjectName, &p.FrontendContainerID,
				&p.BackendContainerID, &p.DBContainerID, &p.NetworkID,
				&p.BackendPort, &p.FrontendPort, &p.PreviewURL, &p.FallbackURL,
				&p.Status, &p.HealthStatus, &p.DeployedAt, &p.ExpiresAt,
				&p.LastHealthCheck); err != nil {
				return err
			}
			previews = append(previews, p)
		}
		return rows.Err()
	})
	return previews, err
}

// ExpiredPreviews returns task ids of previews past their TTL at the given
// instant.
func (c *Client) ExpiredPreviews(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := withRetry(ctx, "expired_previews", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT task_id FROM preview_deployments
			 WHERE status IN ($1, $2) AND expires_at < $3`,
			PreviewStatusDeployed, PreviewStatusUnhealthy, now)
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// UpdatePreviewHealth records the latest health probe result.
func (c *Client) UpdatePreviewHealth(ctx context.Context, taskID, healthStatus string, ts time.Time) error {
	return withRetry(ctx, "update_preview_health", func() error {
		_, err := c.db.ExecContext(ctx,
			`UPDATE preview_deployments SET health_status = $2, last_health_check = $3
			 WHERE task_id = $1`, taskID, healthStatus, ts)
		return err
	})
}

// MarkPreviewCleaned sets the preview row to cleaned_up. Idempotent: the row
// keeps its container ids for audit.
func (c *Client) MarkPreviewCleaned(ctx context.Context, taskID string) error {
	return withRetry(ctx, "mark_preview_cleaned", func() error {
		_, err := c.db.ExecContext(ctx,
			`UPDATE preview_deployments SET status = $2 WHERE task_id = $1`,
			taskID, PreviewStatusCleanedUp)
		return err
	})
}

// ReservedPorts returns the ports held by non-terminal previews. The preview
// service rehydrates its allocator from this on restart.
func (c *Client) ReservedPorts(ctx context.Context) ([]int, error) {
	var ports []int
	err := withRetry(ctx, "reserved_ports", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT backend_port, frontend_port FROM preview_deployments
			 WHERE status IN ($1, $2, $3)`,
			PreviewStatusStarting, PreviewStatusDeployed, PreviewStatusUnhealthy)
		if err != nil {
			return err
		}
		defer rows.Close()

		ports = ports[:0]
		for rows.Next() {
			var backend, frontend int
			if err := rows.Scan(&backend, &frontend); err != nil {
				return err
			}
			if backend != 0 {
				ports = append(ports, backend)
			}
			if frontend != 0 {
				ports = append(ports, frontend)
			}
		}
		return rows.Err()
	})
	return ports, err
}
