// Package scheduler runs the recurring maintenance jobs: preview expiry,
// preview health probing, log retention, and stale-task reaping.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/catalyst-hq/catalyst/pkg/store"
)

// Store is the slice of the state store the scheduler needs.
type Store interface {
	ExpiredPreviews(ctx context.Context, now time.Time) ([]string, error)
	ListPreviews(ctx context.Context, filter store.PreviewFilter) ([]store.Preview, error)
	UpdatePreviewHealth(ctx context.Context, taskID, healthStatus string, ts time.Time) error
	PruneLogEvents(ctx context.Context, cutoff time.Time) (int64, error)
	StaleTasks(ctx context.Context, cutoff time.Time) ([]string, error)
	Transition(ctx context.Context, taskID string, phase store.Phase, status store.Status) error
	SetSummary(ctx context.Context, taskID, summary string) error
}

var _ Store = (*store.Client)(nil)

// Previews is the slice of the preview service the scheduler needs.
type Previews interface {
	Cleanup(ctx context.Context, taskID string) error
	ProbeHealth(ctx context.Context, record *store.Preview) string
}

// Config sets the job cadences and retention windows.
type Config struct {
	ExpireInterval time.Duration // default 1h
	HealthInterval time.Duration // default 5m
	LogTTL         time.Duration // default 24h
	StaleTaskAge   time.Duration // default 30m
}

// Service owns the two job loops. Each job never overlaps with itself and
// retries a failed pass once before waiting for the next tick.
type Service struct {
	db       Store
	previews Previews
	cfg      Config

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the scheduler with defaults filled in.
func New(db Store, previews Previews, cfg Config) *Service {
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = time.Hour
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Minute
	}
	if cfg.LogTTL <= 0 {
		cfg.LogTTL = 24 * time.Hour
	}
	if cfg.StaleTaskAge <= 0 {
		cfg.StaleTaskAge = 30 * time.Minute
	}
	return &Service{db: db, previews: previews, cfg: cfg}
}

// Start launches the job loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Scheduler started",
		"expire_interval", s.cfg.ExpireInterval,
		"health_interval", s.cfg.HealthInterval,
		"log_ttl", s.cfg.LogTTL)
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Scheduler stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	expire := time.NewTicker(s.cfg.ExpireInterval)
	defer expire.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	s.withRetry(ctx, "expire", s.runExpire)

	for {
		select {
		case <-ctx.Done():
			return
		case <-expire.C:
			s.withRetry(ctx, "expire", s.runExpire)
		case <-health.C:
			s.withRetry(ctx, "health", s.runHealth)
		}
	}
}

// withRetry runs a job pass, retrying once on failure. Persistent failure
// logs and waits for the next tick.
func (s *Service) withRetry(ctx context.Context, name string, job func(ctx context.Context) error) {
	err := job(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	slog.Warn("Scheduler job failed, retrying", "job", name, "error", err)
	if err := job(ctx); err != nil {
		slog.Error("Scheduler job failed", "job", name, "error", err)
	}
}

// runExpire cleans up previews past their TTL, prunes old log events, and
// fails tasks stuck mid-pipeline.
func (s *Service) runExpire(ctx context.Context) error {
	expired, err := s.db.ExpiredPreviews(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, taskID := range expired {
		if err := s.previews.Cleanup(ctx, taskID); err != nil {
			slog.Error("Failed to clean up expired preview", "task_id", taskID, "error", err)
			continue
		}
		slog.Info("Expired preview cleaned up", "task_id", taskID)
	}

	pruned, err := s.db.PruneLogEvents(ctx, time.Now().Add(-s.cfg.LogTTL))
	if err != nil {
		return err
	}
	if pruned > 0 {
		slog.Info("Pruned old log events", "count", pruned)
	}

	stale, err := s.db.StaleTasks(ctx, time.Now().Add(-s.cfg.StaleTaskAge))
	if err != nil {
		return err
	}
	for _, taskID := range stale {
		if err := s.db.Transition(ctx, taskID, store.PhaseFailed, store.StatusFailed); err != nil {
			slog.Error("Failed to fail stale task", "task_id", taskID, "error", err)
			continue
		}
		if err := s.db.SetSummary(ctx, taskID, "failed: no progress within "+s.cfg.StaleTaskAge.String()); err != nil {
			slog.Warn("Failed to record stale-task summary", "task_id", taskID, "error", err)
		}
		slog.Warn("Stale task failed", "task_id", taskID)
	}
	return nil
}

// healthProbeConcurrency bounds the parallel preview probes per pass.
const healthProbeConcurrency = 8

// runHealth probes every deployed preview and records the result. Probes
// run in parallel since each one is a network round trip.
func (s *Service) runHealth(ctx context.Context) error {
	previews, err := s.db.ListPreviews(ctx, store.PreviewFilterActive)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(healthProbeConcurrency)
	for i := range previews {
		p := &previews[i]
		g.Go(func() error {
			status := s.previews.ProbeHealth(ctx, p)
			if err := s.db.UpdatePreviewHealth(ctx, p.TaskID, status, time.Now()); err != nil {
				slog.Error("Failed to record preview health", "task_id", p.TaskID, "error", err)
				return nil
			}
			if status != store.HealthHealthy {
				slog.Warn("Preview unhealthy", "task_id", p.TaskID, "health", status)
			}
			return nil
		})
	}
	return g.Wait()
}
