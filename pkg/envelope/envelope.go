// Package envelope defines the canonical wire record for agent-to-agent
// signals. An envelope is immutable once published; unknown payload fields
// are preserved when forwarding.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion tags every envelope produced by this build.
const SchemaVersion = "1.0"

// Event types, in pipeline order.
const (
	TypeTaskInitiated        = "task.initiated"
	TypePlanCreated          = "plan.created"
	TypeArchitectureProposed = "architecture.proposed"
	TypeCodePROpened         = "code.pr.opened"
	TypeTestResults          = "test.results"
	TypeReviewDecision       = "review.decision"
	TypeDeployStatus         = "deploy.status"

	// Terminal / control events outside the forward chain.
	TypeTaskFailed    = "task.failed"
	TypeTaskCancelled = "task.cancelled"

	// Compensation row written when a store append succeeds but the broker
	// publish fails.
	TypePublishFailed = "event.publish_failed"

	// External explorer integration.
	TypeExplorerScanRequest = "explorer.scan.request"
)

// Chain is the defined pipeline order. The recorded event sequence for any
// task must be a prefix of this chain (rework repeats a suffix pair).
var Chain = []string{
	TypeTaskInitiated,
	TypePlanCreated,
	TypeArchitectureProposed,
	TypeCodePROpened,
	TypeTestResults,
	TypeReviewDecision,
	TypeDeployStatus,
}

// Envelope is the canonical event record.
type Envelope struct {
	Version   string         `json:"version"`
	TraceID   string         `json:"trace_id"`
	TaskID    string         `json:"task_id"`
	Actor     string         `json:"actor"`
	EventType string         `json:"event_type"`
	Repo      string         `json:"repo,omitempty"`
	Branch    string         `json:"branch,omitempty"`
	Commit    string         `json:"commit,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an envelope with a fresh timestamp. The trace id is shared
// across one task's chain; callers propagate it from the triggering envelope.
func New(traceID, taskID, actor, eventType string) *Envelope {
	return &Envelope{
		Version:   SchemaVersion,
		TraceID:   traceID,
		TaskID:    taskID,
		Actor:     actor,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{},
	}
}

// NewTrace builds the first envelope of a task chain with a fresh trace id.
func NewTrace(taskID, actor, eventType string) *Envelope {
	return New(uuid.New().String(), taskID, actor, eventType)
}

// Successor returns a new envelope continuing this envelope's chain: same
// trace and task ids, new actor and event type, repo coordinates carried
// forward.
func (e *Envelope) Successor(actor, eventType string) *Envelope {
	next := New(e.TraceID, e.TaskID, actor, eventType)
	next.Repo = e.Repo
	next.Branch = e.Branch
	next.Commit = e.Commit
	return next
}

// Validate checks the structural invariants of an envelope.
func (e *Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("envelope missing version")
	}
	if e.TraceID == "" {
		return fmt.Errorf("envelope missing trace_id")
	}
	if e.TaskID == "" {
		return fmt.Errorf("envelope missing task_id")
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope missing event_type")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope missing timestamp")
	}
	return nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope off the wire and validates it.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return &e, nil
}

// SetPayload replaces the payload with the JSON projection of a typed
// payload struct. Round-tripping through JSON keeps the envelope's payload a
// plain map so unknown fields survive forwarding.
func (e *Envelope) SetPayload(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to project payload: %w", err)
	}
	e.Payload = m
	return nil
}

// DecodePayload parses the envelope payload into a typed struct owned by the
// consumer of the event type. Unknown fields are ignored, not rejected.
func DecodePayload[T any](e *Envelope) (*T, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal payload: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return &out, nil
}
