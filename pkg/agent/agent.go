// Package agent provides the agent framework: the Agent interface each
// pipeline role implements and the Runtime that runs a step with timeout,
// retry, cancellation, and state-store bookkeeping.
package agent

import (
	"context"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// Agent is one pipeline role. Implementations live in pkg/agent/agents.
type Agent interface {
	// Name is the actor recorded on produced envelopes, e.g. "coder".
	Name() string

	// Phase is the pipeline phase this agent works.
	Phase() store.Phase

	// EventTypes lists the event types that trigger this agent. They become
	// the durable consumer's filter subjects in event mode.
	EventTypes() []string

	// Handle processes one event and returns the successor envelope.
	// Returning (nil, nil) acknowledges the event without producing one,
	// used when an agent receives an event type it binds but does not act
	// on (the coder ignores passing test results, the reviewer failing
	// ones).
	//
	// Returning an error triggers the runtime's retry policy; wrap errors
	// with the constructors in errors.go so the policy can classify them.
	Handle(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)
}

// EventFilter is implemented by agents that bind an event type they act on
// only conditionally: the coder acts on failing test results, the reviewer
// on passing ones. The runtime consults it before entering the agent's
// phase so the non-acting agent leaves the task's phase untouched.
type EventFilter interface {
	Accepts(env *envelope.Envelope) bool
}
