// Package llm wraps the external LLM service. Agents talk to it through
// the Client interface so tests can substitute a stub.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call.
type Request struct {
	TaskID      string    `json:"task_id,omitempty"`
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int32    `json:"max_tokens,omitempty"`
}

// Response carries the completion text plus token accounting.
type Response struct {
	Content      string  `json:"content"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Client is the completion interface agents depend on.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient talks JSON over HTTP to the LLM service.
type HTTPClient struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewHTTPClient creates a client for the service at baseURL. The model is
// used for requests that do not name one. Per-call deadlines come from the
// caller's context; the transport timeout is a backstop.
func NewHTTPClient(baseURL, model string) *HTTPClient {
	slog.Info("LLM client configured", "url", baseURL, "model", model)
	return &HTTPClient{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// Complete posts one completion request and decodes the response.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm service call failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return nil, fmt.Errorf("llm service returned %d: %s", httpResp.StatusCode, msg)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return &resp, nil
}
