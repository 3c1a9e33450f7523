// Package bus is the event backbone: a JetStream stream carrying the task
// pipeline's topic-routed events, with per-agent durable consumers and a
// dead-letter stream for events that exhaust redelivery.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// streamSubjects are the subject prefixes the event stream binds. Event
// types double as subjects (task.initiated, plan.created, ...).
var streamSubjects = []string{
	"task.>",
	"plan.>",
	"architecture.>",
	"code.>",
	"test.>",
	"review.>",
	"deploy.>",
	"event.>",
	"explorer.>",
}

// dlqSubjectPrefix prefixes the original subject when an event is routed to
// the dead-letter stream.
const dlqSubjectPrefix = "dlq."

// ErrUnavailable indicates the broker could not be reached. Callers in
// sequential mode treat this as "run without events"; the orchestrator's
// event mode treats it as a hard failure.
var ErrUnavailable = errors.New("event broker unavailable")

// Config holds broker connection and topology settings.
type Config struct {
	// URL is the NATS server address.
	URL string

	// StreamName is the main event stream.
	StreamName string

	// DLQName is the dead-letter stream.
	DLQName string

	// MaxDeliver bounds redelivery before an event is dead-lettered.
	MaxDeliver int

	// AckWait is how long a consumer may hold a message before redelivery.
	AckWait time.Duration
}

// DefaultConfig returns broker defaults for the given URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:        url,
		StreamName: "catalyst-events",
		DLQName:    "failed-events",
		MaxDeliver: 3,
		AckWait:    5 * time.Minute,
	}
}

// Bus wraps the NATS connection and JetStream context, with the topology
// ensured.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	cfg    Config
}

// Connect dials the broker, creates the JetStream context, and ensures both
// streams exist. A connection failure returns ErrUnavailable so callers can
// fall back to sequential mode.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	b := &Bus{nc: nc, js: js, cfg: cfg}
	if err := b.ensureTopology(ctx); err != nil {
		nc.Close()
		return nil, err
	}

	slog.Info("Event bus connected",
		"url", cfg.URL, "stream", cfg.StreamName, "dlq", cfg.DLQName)
	return b, nil
}

// ensureTopology creates or updates the event and dead-letter streams.
func (b *Bus) ensureTopology(ctx context.Context) error {
	stream, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  streamSubjects,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("%w: ensure stream %s: %v", ErrUnavailable, b.cfg.StreamName, err)
	}
	b.stream = stream

	if _, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.cfg.DLQName,
		Subjects:  []string{dlqSubjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return fmt.Errorf("%w: ensure stream %s: %v", ErrUnavailable, b.cfg.DLQName, err)
	}
	return nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
		b.nc.Close()
	}
}

// HealthCheck verifies the broker is reachable with a bounded round trip.
func (b *Bus) HealthCheck(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := b.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
