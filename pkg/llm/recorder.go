package llm

import (
	"context"
	"log/slog"

	"github.com/catalyst-hq/catalyst/pkg/store"
)

// Recorder wraps a Client and writes one llm_usage row per call.
// Accounting is best effort: a failed write is logged, never surfaced to
// the agent.
type Recorder struct {
	inner Client
	store *store.Client
	agent string
}

// WithRecording returns a Client that records usage under the given agent
// name.
func WithRecording(inner Client, s *store.Client, agent string) *Recorder {
	return &Recorder{inner: inner, store: s, agent: agent}
}

// Complete delegates to the wrapped client and records token usage.
func (r *Recorder) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := r.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.TaskID != "" {
		usage := &store.LLMUsage{
			TaskID:       req.TaskID,
			Agent:        r.agent,
			Model:        resp.Model,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      resp.CostUSD,
		}
		if err := r.store.RecordUsage(ctx, usage); err != nil {
			slog.Warn("Failed to record LLM usage",
				"task_id", req.TaskID, "agent", r.agent, "error", err)
		}
	}
	return resp, nil
}
