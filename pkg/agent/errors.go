package agent

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies agent failures. The runtime's retry policy and the
// failure payloads both key off it.
type Kind string

const (
	KindLLMError          Kind = "llm_error"
	KindToolError         Kind = "tool_error"
	KindValidationError   Kind = "validation_error"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindResourceExhausted Kind = "resource_exhausted"
	KindReworkExhausted   Kind = "rework_exhausted"
)

// ErrCancelled is returned when a task was cancelled before or during an
// agent step. The event is acknowledged without a successor.
var ErrCancelled = errors.New("task cancelled")

// AgentError carries the failure kind and whether retrying the same input
// can plausibly succeed.
type AgentError struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// LLMError wraps a failed model call. Retryable: transient overload and
// malformed output both warrant another attempt.
func LLMError(err error) *AgentError {
	return &AgentError{Kind: KindLLMError, Retryable: true, Err: err}
}

// ToolError wraps a failed tool invocation (sandbox, git, docker).
func ToolError(err error) *AgentError {
	return &AgentError{Kind: KindToolError, Retryable: true, Err: err}
}

// ValidationError wraps input that can never succeed on retry.
func ValidationError(err error) *AgentError {
	return &AgentError{Kind: KindValidationError, Retryable: false, Err: err}
}

// TimeoutError wraps an agent step that exceeded its budget.
func TimeoutError(err error) *AgentError {
	return &AgentError{Kind: KindTimeout, Retryable: false, Err: err}
}

// ResourceExhausted wraps a capacity failure (no free ports, sandbox
// concurrency cap). Not retryable within the step; the caller surfaces it.
func ResourceExhausted(err error) *AgentError {
	return &AgentError{Kind: KindResourceExhausted, Retryable: false, Err: err}
}

// ReworkExhausted marks a task whose coder revisions hit the configured
// cap without a passing test run.
func ReworkExhausted(err error) *AgentError {
	return &AgentError{Kind: KindReworkExhausted, Retryable: false, Err: err}
}

// Classify returns the failure kind for an error, mapping context errors
// and unwrapping AgentError. Unknown errors classify as tool errors.
func Classify(err error) Kind {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return KindCancelled
	default:
		return KindToolError
	}
}

// retryable reports whether another attempt at the same input makes sense.
func retryable(err error) bool {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}
