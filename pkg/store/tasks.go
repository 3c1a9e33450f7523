package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task phases, in pipeline order.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseArchitecture Phase = "architecture"
	PhaseCoding       Phase = "coding"
	PhaseTesting      Phase = "testing"
	PhaseReviewing    Phase = "reviewing"
	PhaseDeploying    Phase = "deploying"
	PhaseComplete     Phase = "complete"
	PhaseFailed       Phase = "failed"
)

// Task statuses.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Task is the persistent record of one pipeline run.
type Task struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Phase          Phase     `json:"phase"`
	Status         Status    `json:"status"`
	Prompt         string    `json:"prompt"`
	Summary        string    `json:"summary"`
	ReworkAttempts int       `json:"rework_attempts"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// legalEdges lists the allowed forward phase transitions. Rework is the one
// backward edge (testing → coding). Any non-terminal phase may move to
// failed. A same-phase transition is a legal no-op.
var legalEdges = map[Phase][]Phase{
	PhasePlanning:     {PhaseArchitecture, PhaseFailed},
	PhaseArchitecture: {PhaseCoding, PhaseFailed},
	PhaseCoding:       {PhaseTesting, PhaseFailed},
	PhaseTesting:      {PhaseReviewing, PhaseCoding, PhaseFailed},
	PhaseReviewing:    {PhaseDeploying, PhaseFailed},
	PhaseDeploying:    {PhaseComplete, PhaseFailed},
}

// legalTransition reports whether moving from one phase to another follows
// the pipeline order.
func legalTransition(from, to Phase) bool {
	if from == to {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateTask inserts a new task row in phase planning / status queued.
func (c *Client) CreateTask(ctx context.Context, projectID, prompt string) (*Task, error) {
	task := &Task{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Phase:     PhasePlanning,
		Status:    StatusQueued,
		Prompt:    prompt,
	}
	err := withRetry(ctx, "create_task", func() error {
		return c.db.QueryRowContext(ctx,
			`INSERT INTO tasks (id, project_id, phase, status, prompt)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at, updated_at`,
			task.ID, task.ProjectID, task.Phase, task.Status, task.Prompt,
		).Scan(&task.CreatedAt, &task.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := withRetry(ctx, "get_task", func() error {
		err := c.db.QueryRowContext(ctx,
			`SELECT id, project_id, phase, status, prompt, summary, rework_attempts, created_at, updated_at
			 FROM tasks WHERE id = $1`, taskID,
		).Scan(&task.ID, &task.ProjectID, &task.Phase, &task.Status, &task.Prompt,
			&task.Summary, &task.ReworkAttempts, &task.CreatedAt, &task.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Transition moves a task to a new phase and status. Illegal phase edges
// and writes against terminal tasks are rejected; a no-op legal edge leaves
// the row unchanged apart from updated_at.
func (c *Client) Transition(ctx context.Context, taskID string, phase Phase, status Status) error {
	return withRetry(ctx, "transition", func() error {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Task
		err = tx.QueryRowContext(ctx,
			`SELECT phase, status FROM tasks WHERE id = $1 FOR UPDATE`, taskID,
		).Scan(&current.Phase, &current.Status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock task: %w", err)
		}

		if current.Status.Terminal() {
			return fmt.Errorf("task %s in status %s: %w", taskID, current.Status, ErrTaskTerminal)
		}
		if !legalTransition(current.Phase, phase) {
			return fmt.Errorf("task %s: %s -> %s: %w", taskID, current.Phase, phase, ErrIllegalTransition)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET phase = $2, status = $3, updated_at = now() WHERE id = $1`,
			taskID, phase, status,
		); err != nil {
			return fmt.Errorf("failed to update task: %w", err)
		}

		return tx.Commit()
	})
}

// SetSummary records the user-facing summary (final result or failure reason).
func (c *Client) SetSummary(ctx context.Context, taskID, summary string) error {
	return withRetry(ctx, "set_summary", func() error {
		_, err := c.db.ExecContext(ctx,
			`UPDATE tasks SET summary = $2, updated_at = now() WHERE id = $1`,
			taskID, summary)
		return err
	})
}

// CancelTask marks a task cancelled. Cancelling an already-terminal task is
// rejected with ErrTaskTerminal.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return withRetry(ctx, "cancel_task", func() error {
		res, err := c.db.ExecContext(ctx,
			`UPDATE tasks SET status = $2, updated_at = now()
			 WHERE id = $1 AND status NOT IN ($3, $4, $5)`,
			taskID, StatusCancelled, StatusSucceeded, StatusFailed, StatusCancelled)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Distinguish missing from terminal for the caller.
			var status Status
			err := c.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("task %s in status %s: %w", taskID, status, ErrTaskTerminal)
		}
		return nil
	})
}

// IsCancelled reports whether the task has been cancelled. Agents poll this
// at external-call boundaries for cooperative cancellation.
func (c *Client) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	task, err := c.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status == StatusCancelled, nil
}

// BumpRework atomically increments and returns the task's rework counter.
// The coder reads the returned value to enforce the rework bound.
func (c *Client) BumpRework(ctx context.Context, taskID string) (int, error) {
	var attempts int
	err := withRetry(ctx, "bump_rework", func() error {
		err := c.db.QueryRowContext(ctx,
			`UPDATE tasks SET rework_attempts = rework_attempts + 1, updated_at = now()
			 WHERE id = $1 RETURNING rework_attempts`, taskID,
		).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return err
	})
	return attempts, err
}

// StaleTasks returns ids of non-terminal tasks that have not progressed
// since the cutoff. The scheduler marks them failed.
func (c *Client) StaleTasks(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string
	err := withRetry(ctx, "stale_tasks", func() error {
		rows, err := c.db.QueryContext(ctx,
			`SELECT id FROM tasks
			 WHERE status IN ($1, $2) AND updated_at < $3`,
			StatusQueued, StatusRunning, cutoff)
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
