// Catalyst server: HTTP API, agent pipeline, preview deployments, and the
// event-driven worker fleet when a broker is available.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/catalyst-hq/catalyst/pkg/agent"
	"github.com/catalyst-hq/catalyst/pkg/agent/agents"
	"github.com/catalyst-hq/catalyst/pkg/api"
	"github.com/catalyst-hq/catalyst/pkg/bus"
	"github.com/catalyst-hq/catalyst/pkg/config"
	"github.com/catalyst-hq/catalyst/pkg/envelope"
	"github.com/catalyst-hq/catalyst/pkg/envprobe"
	"github.com/catalyst-hq/catalyst/pkg/gitsvc"
	"github.com/catalyst-hq/catalyst/pkg/health"
	"github.com/catalyst-hq/catalyst/pkg/llm"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/orchestrator"
	"github.com/catalyst-hq/catalyst/pkg/preview"
	"github.com/catalyst-hq/catalyst/pkg/sandbox"
	"github.com/catalyst-hq/catalyst/pkg/scheduler"
	"github.com/catalyst-hq/catalyst/pkg/store"
	"github.com/catalyst-hq/catalyst/pkg/version"
	"github.com/catalyst-hq/catalyst/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting catalyst", "version", version.Full(), "http_port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// 1. Environment capabilities decide the execution mode.
	caps := envprobe.Detect(cfg.ModeOverride)

	// 2. State store (runs migrations).
	db, err := store.NewClient(ctx, store.DefaultConfig(cfg.StateStoreURL))
	if err != nil {
		slog.Error("Failed to connect to state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("Error closing state store", "error", err)
		}
	}()

	// 3. Log streaming: publisher over the pool, listener on a dedicated
	// connection, connection manager between them.
	logPub := logstream.NewPublisher(db.DB())
	connMgr := logstream.NewConnectionManager(logstream.NewStoreCatchup(db), 10*time.Second)
	listener := logstream.NewNotifyListener(cfg.StateStoreURL, connMgr)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(context.Background())
	connMgr.SetListener(listener)

	// 4. Execution surfaces: LLM, sandbox, git, previews.
	llmBase := llm.NewHTTPClient(cfg.LLMServiceURL, cfg.LLMModel)

	sandboxSvc, err := sandbox.New(ctx, sandbox.Config{
		Image:          cfg.SandboxImage,
		MemoryBytes:    cfg.SandboxMemoryBytes,
		CPUQuota:       cfg.SandboxCPUQuota,
		Timeout:        cfg.SandboxTimeout,
		MaxConcurrency: int64(cfg.MaxSandboxConcurrency),
	})
	if err != nil {
		slog.Error("Failed to connect to container host", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sandboxSvc.Close() }()

	gitSvc, err := gitsvc.New(gitsvc.Config{
		Root:   cfg.GitRoot,
		Remote: remoteConfig(cfg),
	})
	if err != nil {
		slog.Error("Failed to initialize git service", "error", err)
		os.Exit(1)
	}

	previewSvc, err := preview.New(ctx, db, preview.Config{
		Mode:    cfg.PreviewMode,
		Domain:  cfg.PreviewDomain,
		TTL:     cfg.PreviewTTL,
		PortMin: cfg.PortRangeLow,
		PortMax: cfg.PortRangeHigh,
	})
	if err != nil {
		slog.Error("Failed to initialize preview service", "error", err)
		os.Exit(1)
	}
	defer func() { _ = previewSvc.Close() }()

	// 5. Agents and their runtimes. Each LLM-backed agent records its own
	// token usage.
	runtimes := buildRuntimes(cfg, db, logPub, llmBase, gitSvc, sandboxSvc, previewSvc)

	// 6. Execution mode: event-driven through the broker when available,
	// otherwise sequential in-process.
	var (
		eventBus *bus.Bus
		manager  *worker.Manager
		orch     *orchestrator.Orchestrator
	)
	if caps.EventDriven() {
		busCfg := bus.DefaultConfig(cfg.BrokerURL)
		busCfg.StreamName = cfg.StreamName
		busCfg.DLQName = cfg.DLQName
		busCfg.MaxDeliver = cfg.MaxDeliver

		eventBus, err = bus.Connect(ctx, busCfg)
		if err != nil {
			slog.Warn("Broker unreachable, falling back to sequential mode", "error", err)
		}
	}
	if eventBus != nil {
		defer eventBus.Close()
		pub := bus.NewPublisher(eventBus, db)

		manager = worker.New(eventBus, pub, db, db, logPub, runtimes, worker.Config{})
		if err := manager.Start(ctx); err != nil {
			slog.Error("Failed to start worker manager", "error", err)
			os.Exit(1)
		}
		orch = orchestrator.New(db, &eventBroker{pub: pub, bus: eventBus}, nil, logPub)
		slog.Info("Execution mode: event-driven")
	} else {
		orch = orchestrator.New(db, nil, runtimes, logPub)
		slog.Info("Execution mode: sequential")
	}

	// 7. Periodic jobs.
	sched := scheduler.New(db, previewSvc, scheduler.Config{
		ExpireInterval: cfg.ExpireInterval,
		HealthInterval: cfg.HealthInterval,
		LogTTL:         cfg.LogEventTTL,
		StaleTaskAge:   cfg.StaleTaskCutoff,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// 8. Health aggregator.
	checker := buildHealth(cfg, caps, db, sandboxSvc, eventBus, manager)

	// 9. HTTP surface; blocks until shutdown.
	server := api.NewServer(api.Deps{
		Tasks:    orch,
		Reader:   db,
		Previews: db,
		Cleaner:  previewSvc,
		Git:      gitSvc,
		Checker:  checker,
		ConnMgr:  connMgr,
	})
	if err := server.Run(ctx, ":"+cfg.HTTPPort); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	// 10. Drain in-flight workers before the deferred closes tear down
	// their dependencies.
	if manager != nil {
		done := make(chan struct{})
		go func() {
			manager.Drain()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("Workers drained")
		case <-time.After(cfg.GracefulShutdownTimeout):
			slog.Warn("Worker drain timeout exceeded, in-flight events will be redelivered")
		}
	}

	slog.Info("Shutdown complete")
}

// buildRuntimes wires the six pipeline agents.
func buildRuntimes(
	cfg *config.Config,
	db *store.Client,
	logPub *logstream.Publisher,
	llmBase llm.Client,
	gitSvc *gitsvc.Service,
	sandboxSvc *sandbox.Service,
	previewSvc *preview.Service,
) []*agent.Runtime {
	record := func(name string) llm.Client { return llm.WithRecording(llmBase, db, name) }

	pipeline := []agent.Agent{
		agents.NewPlanner(record("planner")),
		agents.NewArchitect(record("architect")),
		agents.NewCoder(record("coder"), gitSvc, db, cfg.CoderReworkMax),
		agents.NewTester(sandboxSvc, cfg.TestCoverageThreshold),
		agents.NewReviewer(record("reviewer")),
		agents.NewDeployer(previewSvc, gitSvc),
	}

	runtimes := make([]*agent.Runtime, 0, len(pipeline))
	for _, a := range pipeline {
		runtimes = append(runtimes, agent.NewRuntime(a, db, logPub, cfg.AgentTimeout))
	}
	return runtimes
}

// buildHealth registers the dependency probes. The store and container host
// are required; the broker is required only in event-driven mode; the LLM
// service and the optional cache and vector index only degrade.
func buildHealth(
	cfg *config.Config,
	caps envprobe.Capabilities,
	db *store.Client,
	sandboxSvc *sandbox.Service,
	eventBus *bus.Bus,
	manager *worker.Manager,
) *health.Aggregator {
	agg := health.New()
	agg.Register("database", true, db.HealthCheck)

	dockerRequired := caps.Mode == envprobe.ModeDockerDesktop
	agg.Register("docker", dockerRequired, func(ctx context.Context) error {
		if report := sandboxSvc.Status(ctx); !report.Healthy {
			return sandbox.ErrUnavailable
		}
		return nil
	})

	if eventBus != nil {
		agg.Register("broker", true, eventBus.HealthCheck)
	}
	agg.Register("llm", false, health.HTTPProbe(nil, cfg.LLMServiceURL+"/health"))
	if cfg.CacheURL != "" {
		agg.Register("cache", false, health.HTTPProbe(nil, cfg.CacheURL))
	}
	if cfg.VectorIndexURL != "" {
		agg.Register("vector_index", false, health.HTTPProbe(nil, cfg.VectorIndexURL))
	}

	if manager != nil {
		agg.Register("workers", false, func(context.Context) error {
			for name, reason := range manager.Health() {
				return fmt.Errorf("%s: %s", name, reason)
			}
			return nil
		})
	}
	return agg
}

// eventBroker pairs the audit-first publisher with the broker health probe
// for the orchestrator's submit path.
type eventBroker struct {
	pub *bus.Publisher
	bus *bus.Bus
}

func (b *eventBroker) Publish(ctx context.Context, env *envelope.Envelope) error {
	return b.pub.Publish(ctx, env)
}

func (b *eventBroker) HealthCheck(ctx context.Context) error {
	return b.bus.HealthCheck(ctx)
}

// remoteConfig derives the git remote settings from GIT_REMOTE_BASE, e.g.
// "https://github.com/catalyst-previews" becomes clone base
// "https://github.com" and owner "catalyst-previews".
func remoteConfig(cfg *config.Config) gitsvc.RemoteConfig {
	rc := gitsvc.RemoteConfig{Token: cfg.GitToken}
	if cfg.GitRemoteBase == "" {
		return rc
	}
	u, err := url.Parse(cfg.GitRemoteBase)
	if err != nil || u.Host == "" {
		slog.Warn("Ignoring malformed GIT_REMOTE_BASE", "value", cfg.GitRemoteBase)
		return rc
	}
	rc.CloneBase = u.Scheme + "://" + u.Host
	rc.Owner = strings.Trim(u.Path, "/")
	if u.Host == "github.com" {
		rc.APIBase = "https://api.github.com"
	} else {
		rc.APIBase = rc.CloneBase + "/api/v1"
	}
	return rc
}
