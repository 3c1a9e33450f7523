// Package api is the HTTP surface: task submission and inspection, preview
// management, repository inspection, log streaming over WebSocket, and the
// health endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/catalyst-hq/catalyst/pkg/gitsvc"
	"github.com/catalyst-hq/catalyst/pkg/health"
	"github.com/catalyst-hq/catalyst/pkg/logstream"
	"github.com/catalyst-hq/catalyst/pkg/store"
)

const shutdownTimeout = 5 * time.Second

// TaskService submits and cancels pipeline tasks.
type TaskService interface {
	ExecuteTask(ctx context.Context, projectID, prompt string) (*store.Task, error)
	CancelTask(ctx context.Context, taskID string) error
}

// TaskReader reads task state and the append-only event log.
type TaskReader interface {
	GetTask(ctx context.Context, taskID string) (*store.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]store.AgentEvent, error)
}

// PreviewReader reads preview records.
type PreviewReader interface {
	ListPreviews(ctx context.Context, filter store.PreviewFilter) ([]store.Preview, error)
	GetPreview(ctx context.Context, taskID string) (*store.Preview, error)
	ExpiredPreviews(ctx context.Context, now time.Time) ([]string, error)
}

// PreviewService tears preview stacks down.
type PreviewService interface {
	Cleanup(ctx context.Context, taskID string) error
}

// GitService exposes the repository inspection and remote operations.
type GitService interface {
	ListRepos() ([]string, error)
	History(name string, limit int) ([]gitsvc.CommitInfo, error)
	LOC(name string) (*gitsvc.LOCStats, error)
	LatestDiffStats(name string) (*gitsvc.DiffStats, error)
	EnsureRemote(name string) error
	Push(ctx context.Context, name, branch string) error
	OpenPR(ctx context.Context, name, branch, title, body string) (string, error)
}

// HealthChecker runs the dependency probes.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

var (
	_ TaskReader    = (*store.Client)(nil)
	_ PreviewReader = (*store.Client)(nil)
	_ GitService    = (*gitsvc.Service)(nil)
)

// Server owns the router and the handler dependencies.
type Server struct {
	tasks    TaskService
	reader   TaskReader
	previews PreviewReader
	cleaner  PreviewService
	git      GitService
	checker  HealthChecker
	connMgr  *logstream.ConnectionManager

	router *gin.Engine
	http   *http.Server
}

// Deps carries everything the server needs. ConnMgr may be nil; the WS
// route then returns 503.
type Deps struct {
	Tasks    TaskService
	Reader   TaskReader
	Previews PreviewReader
	Cleaner  PreviewService
	Git      GitService
	Checker  HealthChecker
	ConnMgr  *logstream.ConnectionManager
}

// NewServer builds the server and registers all routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		tasks:    deps.Tasks,
		reader:   deps.Reader,
		previews: deps.Previews,
		cleaner:  deps.Cleaner,
		git:      deps.Git,
		checker:  deps.Checker,
		connMgr:  deps.ConnMgr,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), securityHeaders())

	router.GET("/health", s.healthHandler)

	router.POST("/task", s.createTaskHandler)
	router.GET("/task/:id", s.getTaskHandler)
	router.POST("/task/:id/cancel", s.cancelTaskHandler)

	router.GET("/preview", s.listPreviewsHandler)
	router.GET("/preview/:task_id", s.getPreviewHandler)
	router.DELETE("/preview/:task_id", s.deletePreviewHandler)
	router.POST("/preview/cleanup-expired", s.cleanupExpiredHandler)

	router.GET("/git/repos", s.listReposHandler)
	router.GET("/git/repos/:project", s.getRepoHandler)
	router.POST("/git/repos/:project/push", s.pushRepoHandler)
	router.POST("/git/repos/:project/pr", s.openPRHandler)

	router.GET("/ws/logs/:task_id", s.logsWSHandler)

	s.router = router
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context is cancelled, then shuts down with a bounded
// budget so in-flight requests can finish.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
