package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/catalyst-hq/catalyst/pkg/envelope"
)

// Handler processes one envelope. A nil return acknowledges the event; an
// error triggers redelivery until the delivery budget is exhausted.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// DeadLetterFunc is invoked when an event exhausts its delivery budget,
// after the event has been copied to the dead-letter stream. The worker
// uses it to mark the task failed.
type DeadLetterFunc func(ctx context.Context, env *envelope.Envelope, cause error)

// ConsumerConfig describes one durable queue consumer.
type ConsumerConfig struct {
	// Name is the durable consumer name, e.g. "coder-queue".
	Name string

	// FilterSubjects lists the event types this consumer receives.
	FilterSubjects []string

	// OnDeadLetter, if set, is called after an event is dead-lettered.
	OnDeadLetter DeadLetterFunc
}

// Consumer is one durable queue bound to a subset of event types. Each
// agent gets its own, so a slow tester never starves the planner.
type Consumer struct {
	name     string
	consumer jetstream.Consumer
	handler  Handler
	pub      *Publisher
	onDead   DeadLetterFunc
	maxDel   int
}

// NewConsumer creates or updates the durable consumer and binds the
// handler. Call Run to start the fetch loop.
func (b *Bus) NewConsumer(ctx context.Context, cfg ConsumerConfig, pub *Publisher, handler Handler) (*Consumer, error) {
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        cfg.Name,
		FilterSubjects: cfg.FilterSubjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        b.cfg.AckWait,
		MaxDeliver:     b.cfg.MaxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer %s: %v", ErrUnavailable, cfg.Name, err)
	}

	return &Consumer{
		name:     cfg.Name,
		consumer: consumer,
		handler:  handler,
		pub:      pub,
		onDead:   cfg.OnDeadLetter,
		maxDel:   b.cfg.MaxDeliver,
	}, nil
}

// Run fetches and processes events until the context is cancelled. One
// event at a time: agent work is long and ordering within a task matters.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("Consumer started", "consumer", c.name)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Consumer stopped", "consumer", c.name)
			return
		default:
		}

		msgs, err := c.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("Fetch timeout or error", "consumer", c.name, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMessage(ctx, msg)
		}
		if err := msgs.Error(); err != nil && err != context.DeadlineExceeded {
			slog.Warn("Message fetch error", "consumer", c.name, "error", err)
		}
	}
}

// handleMessage runs the handler for one delivery and decides its fate:
// ack on success, ack on a malformed payload (retrying cannot fix it),
// nak on handler failure, dead-letter on the final delivery.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			slog.Warn("Failed to NAK message during shutdown", "consumer", c.name, "error", err)
		}
		return
	}

	env, err := envelope.Unmarshal(msg.Data())
	if err != nil {
		slog.Error("Discarding malformed event", "consumer", c.name, "error", err)
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Warn("Failed to ACK malformed message", "consumer", c.name, "error", ackErr)
		}
		return
	}

	handlerErr := c.handler(ctx, env)
	if handlerErr == nil {
		if err := msg.Ack(); err != nil {
			slog.Warn("Failed to ACK message", "consumer", c.name, "error", err)
		}
		return
	}

	slog.Error("Handler failed",
		"consumer", c.name, "event_type", env.EventType,
		"task_id", env.TaskID, "error", handlerErr)

	if c.isFinalDelivery(msg) {
		c.deadLetter(ctx, msg, env, handlerErr)
		return
	}

	if err := msg.Nak(); err != nil {
		slog.Warn("Failed to NAK message", "consumer", c.name, "error", err)
	}
}

// isFinalDelivery reports whether this delivery is the last one the budget
// allows.
func (c *Consumer) isFinalDelivery(msg jetstream.Msg) bool {
	meta, err := msg.Metadata()
	if err != nil {
		return false
	}
	return int(meta.NumDelivered) >= c.maxDel
}

// deadLetter copies the event to the dead-letter stream, terminates the
// delivery, and notifies the dead-letter hook.
func (c *Consumer) deadLetter(ctx context.Context, msg jetstream.Msg, env *envelope.Envelope, cause error) {
	slog.Error("Event exhausted delivery budget, dead-lettering",
		"consumer", c.name, "event_type", env.EventType,
		"task_id", env.TaskID, "error", cause)

	if err := c.pub.PublishToDLQ(ctx, env); err != nil {
		slog.Error("Failed to dead-letter event",
			"consumer", c.name, "event_type", env.EventType, "error", err)
	}

	// Term, not Ack: the server records the delivery as terminated rather
	// than processed.
	if err := msg.Term(); err != nil {
		slog.Warn("Failed to TERM message", "consumer", c.name, "error", err)
	}

	if c.onDead != nil {
		c.onDead(ctx, env, cause)
	}
}
