// Package agents implements the six pipeline roles: planner, architect,
// coder, tester, reviewer, and deployer.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/llm"
)

// maxFormatRetries bounds the correction loop for responses that fail to
// parse or validate.
const maxFormatRetries = 3

// ExtractJSON pulls a JSON object out of a completion that may wrap it in
// markdown fences or prose.
func ExtractJSON(content string) string {
	if i := strings.Index(content, "```json"); i >= 0 {
		rest := content[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			content = rest[:j]
		}
	} else if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			content = rest[:j]
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return ""
	}
	return content[start : end+1]
}

// completeJSON runs a completion and decodes the response into T. Parse and
// validation failures are fed back to the model as correction prompts; the
// schema hint shows the expected structure. After the retry budget the last
// failure surfaces as a validation error.
func completeJSON[T any](
	ctx context.Context,
	client llm.Client,
	taskID string,
	messages []llm.Message,
	schemaHint string,
	validate func(*T) error,
) (*T, error) {
	var lastErr error

	for attempt := 1; attempt <= maxFormatRetries; attempt++ {
		resp, err := client.Complete(ctx, llm.Request{TaskID: taskID, Messages: messages})
		if err != nil {
			return nil, agent.LLMError(err)
		}

		out, parseErr := parseResponse[T](resp.Content, validate)
		if parseErr == nil {
			return out, nil
		}
		lastErr = parseErr

		if attempt >= maxFormatRetries {
			break
		}
		slog.Warn("LLM format retry", "task_id", taskID, "attempt", attempt, "error", parseErr)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: formatCorrectionPrompt(parseErr, schemaHint)},
		)
	}
	return nil, agent.ValidationError(fmt.Errorf("response did not validate after %d attempts: %w", maxFormatRetries, lastErr))
}

func parseResponse[T any](content string, validate func(*T) error) (*T, error) {
	jsonContent := ExtractJSON(content)
	if jsonContent == "" {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var out T
	if err := json.Unmarshal([]byte(jsonContent), &out); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if validate != nil {
		if err := validate(&out); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func formatCorrectionPrompt(err error, schemaHint string) string {
	return fmt.Sprintf(
		"Your response could not be used. Error: %s\n\n"+
			"Respond with ONLY a valid JSON object matching this structure:\n```json\n%s\n```",
		err.Error(), schemaHint)
}
