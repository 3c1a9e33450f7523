// Package worker runs the event-driven mode: one durable queue consumer
// per agent, a finalizer for terminal deploy results, and crash recovery
// with bounded respawn.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/bus"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

// TaskStore is the slice of the state store the manager needs to finalize
// and fail tasks.
type TaskStore interface {
	Transition(ctx context.Context, taskID string, phase store.Phase, status store.Status) error
	SetSummary(ctx context.Context, taskID, summary string) error
}

var _ TaskStore = (*store.Client)(nil)

// ScanStore persists explorer scan results. Nil disables the scan consumer.
type ScanStore interface {
	RecordScan(ctx context.Context, scan *store.ExplorerScan) (int64, error)
}

var _ ScanStore = (*store.Client)(nil)

// EventPublisher publishes envelopes to the bus with audit-first semantics
// and dead-letters poisoned ones for audit.
type EventPublisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
	PublishToDLQ(ctx context.Context, env *envelope.Envelope) error
}

var _ EventPublisher = (*bus.Publisher)(nil)

// LogPublisher pushes terminal task signals to the WebSocket stream. Nil
// disables streaming.
type LogPublisher interface {
	PublishAgentLog(ctx context.Context, payload logstream.AgentLogPayload) error
	PublishTaskStatus(ctx context.Context, payload logstream.TaskStatusPayload) error
}

var _ LogPublisher = (*logstream.Publisher)(nil)

// Config tunes the manager.
type Config struct {
	// MaxCrashes is how many consecutive panics a consumer survives before
	// it is stopped and marked unhealthy.
	MaxCrashes int

	// RespawnBackoff is the initial delay before a crashed consumer
	// restarts; it doubles per consecutive crash up to 30s.
	RespawnBackoff time.Duration
}

// Manager owns the consumer goroutines for event-driven execution.
type Manager struct {
	bus      *bus.Bus
	pub      EventPublisher
	tasks    TaskStore
	scans    ScanStore
	logs     LogPublisher
	runtimes []*agent.Runtime
	cfg      Config

	wg sync.WaitGroup

	mu        sync.Mutex
	unhealthy map[string]string // consumer -> reason
}

// New wires the manager. Start launches the consumers.
func New(b *bus.Bus, pub EventPublisher, tasks TaskStore, scans ScanStore, logs LogPublisher, runtimes []*agent.Runtime, cfg Config) *Manager {
	if cfg.MaxCrashes <= 0 {
		cfg.MaxCrashes = 5
	}
	if cfg.RespawnBackoff <= 0 {
		cfg.RespawnBackoff = time.Second
	}
	return &Manager{
		bus:       b,
		pub:       pub,
		tasks:     tasks,
		scans:     scans,
		logs:      logs,
		runtimes:  runtimes,
		cfg:       cfg,
		unhealthy: make(map[string]string),
	}
}

// Start creates one durable consumer per agent plus the finalizer and runs
// them until the context is cancelled. Call Drain after cancelling to wait
// for in-flight messages.
func (m *Manager) Start(ctx context.Context) error {
	pub, ok := m.pub.(*bus.Publisher)
	if !ok {
		return fmt.Errorf("manager requires a bus publisher to start consumers")
	}

	for _, rt := range m.runtimes {
		name := rt.Agent().Name() + "-queue"
		consumer, err := m.bus.NewConsumer(ctx, bus.ConsumerConfig{
			Name:           name,
			FilterSubjects: rt.Agent().EventTypes(),
			OnDeadLetter:   m.onDeadLetter,
		}, pub, m.agentHandler(rt))
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		m.spawn(ctx, name, consumer)
	}

	finalizer, err := m.bus.NewConsumer(ctx, bus.ConsumerConfig{
		Name:           "finalizer-queue",
		FilterSubjects: []string{envelope.TypeDeployStatus},
		OnDeadLetter:   m.onDeadLetter,
	}, pub, m.finalizeHandler)
	if err != nil {
		return fmt.Errorf("failed to start finalizer: %w", err)
	}
	m.spawn(ctx, "finalizer-queue", finalizer)
	started := len(m.runtimes) + 1

	if m.scans != nil {
		scanner, err := m.bus.NewConsumer(ctx, bus.ConsumerConfig{
			Name:           "explorer-queue",
			FilterSubjects: []string{envelope.TypeExplorerScanRequest},
			OnDeadLetter:   m.onScanDeadLetter,
		}, pub, m.scanHandler)
		if err != nil {
			return fmt.Errorf("failed to start explorer queue: %w", err)
		}
		m.spawn(ctx, "explorer-queue", scanner)
		started++
	}

	slog.Info("Worker manager started", "consumers", started)
	return nil
}

// Drain blocks until every consumer goroutine has finished its current
// message and exited.
func (m *Manager) Drain() {
	m.wg.Wait()
	slog.Info("Worker manager drained")
}

func (m *Manager) spawn(ctx context.Context, name string, c *bus.Consumer) {
	m.wg.Add(1)
	go m.supervise(ctx, name, c)
}

// supervise respawns a crashed consumer with exponential backoff. After
// the crash budget the consumer stays down and is reported unhealthy.
func (m *Manager) supervise(ctx context.Context, name string, c *bus.Consumer) {
	defer m.wg.Done()

	backoff := m.cfg.RespawnBackoff
	crashes := 0
	for {
		if m.runOnce(ctx, name, c) {
			return // clean exit on context cancellation
		}
		if ctx.Err() != nil {
			return
		}

		crashes++
		if crashes >= m.cfg.MaxCrashes {
			m.markUnhealthy(name, fmt.Sprintf("stopped after %d consecutive crashes", crashes))
			return
		}

		slog.Warn("Respawning crashed consumer",
			"consumer", name, "crashes", crashes, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// runOnce runs the consumer loop, converting a panic into a false return.
func (m *Manager) runOnce(ctx context.Context, name string, c *bus.Consumer) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Consumer panicked", "consumer", name, "panic", r)
			clean = false
		}
	}()
	c.Run(ctx)
	return true
}

func (m *Manager) markUnhealthy(name, reason string) {
	slog.Error("Consumer marked unhealthy", "consumer", name, "reason", reason)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhealthy[name] = reason
}

// Health reports stopped consumers. An empty map means all consumers are
// running.
func (m *Manager) Health() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.unhealthy))
	for k, v := range m.unhealthy {
		out[k] = v
	}
	return out
}
