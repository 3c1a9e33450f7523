package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// EventAppender persists envelopes to the append-only audit log before they
// hit the wire. Implemented by store.Client.
type EventAppender interface {
	AppendEvent(ctx context.Context, env *envelope.Envelope) error
}

var _ EventAppender = (*store.Client)(nil)

// Publisher appends each envelope to the audit log, then publishes it on
// the subject named by its event type. Audit-first ordering means a crash
// between the two steps leaves a logged event that never flowed, which the
// stale-task sweep catches, rather than a flowing event with no audit row.
type Publisher struct {
	bus      *Bus
	appender EventAppender
}

// NewPublisher creates a Publisher over the bus and the audit log.
func NewPublisher(b *Bus, appender EventAppender) *Publisher {
	return &Publisher{bus: b, appender: appender}
}

// Publish validates, persists, and publishes one envelope. A broker
// failure after the audit write appends a compensating event.publish_failed
// record and returns ErrUnavailable.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	if err := p.appender.AppendEvent(ctx, env); err != nil {
		return fmt.Errorf("failed to append event %s: %w", env.EventType, err)
	}

	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if _, err := p.bus.js.Publish(ctx, env.EventType, data); err != nil {
		p.recordPublishFailure(ctx, env, err)
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, env.EventType, err)
	}
	return nil
}

// recordPublishFailure appends a compensating audit record for an event
// that was logged but never reached the broker.
func (p *Publisher) recordPublishFailure(ctx context.Context, env *envelope.Envelope, cause error) {
	failed := env.Successor(env.Actor, envelope.TypePublishFailed)
	if err := failed.SetPayload(envelope.FailurePayload{
		Reason: "broker_unavailable",
		Actor:  env.Actor,
		Detail: fmt.Sprintf("publish %s: %v", env.EventType, cause),
	}); err != nil {
		slog.Error("Failed to build publish-failure record",
			"task_id", env.TaskID, "event_type", env.EventType, "error", err)
		return
	}
	if err := p.appender.AppendEvent(ctx, failed); err != nil {
		slog.Error("Failed to append publish-failure record",
			"task_id", env.TaskID, "event_type", env.EventType, "error", err)
	}
}

// PublishToDLQ copies a poisoned event onto the dead-letter stream under
// dlq.<original subject>.
func (p *Publisher) PublishToDLQ(ctx context.Context, env *envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for DLQ: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := p.bus.js.Publish(ctx, dlqSubjectPrefix+env.EventType, data); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", ErrUnavailable, env.EventType, err)
	}
	return nil
}
