package store

import (
	"context"
	"time"
)

// LLMUsage is one recorded model call.
type LLMUsage struct {
	ID           int64     `json:"id"`
	TaskID       string    `json:"task_id"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// UsageSummary aggregates model calls for a task.
type UsageSummary struct {
	TaskID       string  `json:"task_id"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// RecordUsage writes one LLM usage row. Usage accounting is best effort:
// callers log and continue on failure rather than failing the agent step.
func (c *Client) RecordUsage(ctx context.Context, u *LLMUsage) error {
	return withRetry(ctx, "record_usage", func() error {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO llm_usage (task_id, agent, model, input_tokens, output_tokens, cost_usd)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			u.TaskID, u.Agent, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD)
		return err
	})
}

// TaskUsage aggregates usage across all agents for one task.
func (c *Client) TaskUsage(ctx context.Context, taskID string) (*UsageSummary, error) {
	summary := &UsageSummary{TaskID: taskID}
	err := withRetry(ctx, "task_usage", func() error {
		return c.db.QueryRowContext(ctx,
			`SELECT COUNT(*),
			        COALESCE(SUM(input_tokens), 0),
			        COALESCE(SUM(output_tokens), 0),
			        COALESCE(SUM(cost_usd), 0)
			 FROM llm_usage WHERE task_id = $1`, taskID,
		).Scan(&summary.Calls, &summary.InputTokens, &summary.OutputTokens, &summary.CostUSD)
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}
