// Package sandbox executes generated code in short-lived Docker containers
// with memory, CPU, and wall-clock caps. Containers run on a plain bridge
// network so test dependencies can be installed, but have no host access.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/semaphore"
)

// timeoutExitCode is reported when a run is killed at the wall-clock cap,
// mirroring the shell convention for timed-out commands.
const timeoutExitCode = 124

// workspaceMount is where the ephemeral workspace appears inside the
// container.
const workspaceMount = "/workspace"

var (
	// ErrUnavailable indicates the Docker daemon cannot be reached. Callers
	// treat it as a retryable tool failure.
	ErrUnavailable = errors.New("sandbox unavailable")

	// ErrImageMissing indicates the runner image is not present locally.
	// The image is built at deploy time; the sandbox never pulls.
	ErrImageMissing = errors.New("sandbox image missing")
)

// Config holds the caps applied to every run.
type Config struct {
	// Image is the pre-built runner image with Python and JavaScript test
	// frameworks and linters installed.
	Image string

	// MemoryBytes caps container memory.
	MemoryBytes int64

	// CPUQuota is the CFS quota per 100ms period (50000 = half a core).
	CPUQuota int64

	// Timeout is the default wall-clock cap per run.
	Timeout time.Duration

	// MaxConcurrency bounds simultaneous sandbox containers.
	MaxConcurrency int64
}

// Service runs commands in disposable containers.
type Service struct {
	cli *client.Client
	cfg Config
	sem *semaphore.Weighted
}

// New connects to the Docker daemon and verifies it responds.
func New(ctx context.Context, cfg Config) (*Service, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	return &Service{cli: cli, cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrency)}, nil
}

// Close releases the Docker client.
func (s *Service) Close() error { return s.cli.Close() }

// StatusReport describes the sandbox's readiness and effective caps.
type StatusReport struct {
	Healthy     bool          `json:"healthy"`
	ImageReady  bool          `json:"image_ready"`
	Image       string        `json:"image"`
	MemoryLimit int64         `json:"memory_limit"`
	CPUQuota    int64         `json:"cpu_quota"`
	Timeout     time.Duration `json:"timeout"`
	Network     string        `json:"network"`
}

// Status probes the daemon and the runner image. Used by the health
// aggregator and the status endpoint.
func (s *Service) Status(ctx context.Context) StatusReport {
	report := StatusReport{
		Image:       s.cfg.Image,
		MemoryLimit: s.cfg.MemoryBytes,
		CPUQuota:    s.cfg.CPUQuota,
		Timeout:     s.cfg.Timeout,
		Network:     "bridge",
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.cli.Ping(probeCtx); err != nil {
		return report
	}
	report.Healthy = true

	if _, err := s.cli.ImageInspect(probeCtx, s.cfg.Image); err == nil {
		report.ImageReady = true
	}
	return report
}

// RunRequest describes one sandboxed command.
type RunRequest struct {
	// Cmd is the command line to run in the workspace.
	Cmd []string

	// Files is written into an ephemeral workspace before the run, keyed by
	// path relative to the workspace root. The workspace is removed on exit.
	Files map[string]string

	// Env is extra environment, KEY=value.
	Env []string

	// Timeout overrides the configured wall-clock cap when positive.
	Timeout time.Duration
}

// RunResult is the outcome of one sandboxed command.
type RunResult struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	TimedOut    bool
	Duration    time.Duration
	ContainerID string
}

// RunCommand executes one command under the configured caps. The container
// and the workspace are removed afterwards regardless of outcome. A run
// killed at the timeout returns exit code 124 with TimedOut set, not an
// error: the caller decides what a timeout means for its phase.
func (s *Service) RunCommand(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire sandbox slot: %w", err)
	}
	defer s.sem.Release(1)

	workDir, err := materializeWorkspace(req.Files)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("Failed to remove sandbox workspace", "dir", workDir, "error", err)
		}
	}()

	created, err := s.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      s.cfg.Image,
			Cmd:        req.Cmd,
			Env:        req.Env,
			WorkingDir: workspaceMount,
		},
		&container.HostConfig{
			NetworkMode: "bridge",
			Mounts: []mount.Mount{{
				Type:   mount.TypeBind,
				Source: workDir,
				Target: workspaceMount,
			}},
			Resources: container.Resources{
				Memory:    s.cfg.MemoryBytes,
				CPUQuota:  s.cfg.CPUQuota,
				CPUPeriod: 100000,
			},
		}, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrImageMissing, s.cfg.Image)
		}
		return nil, fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
	}
	id := created.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.cli.ContainerRemove(removeCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove sandbox container", "container_id", id, "error", err)
		}
	}()

	start := time.Now()
	if err := s.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start container: %v", ErrUnavailable, err)
	}

	timeout := s.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	exitCode, timedOut, err := s.waitBounded(ctx, id, timeout)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := s.collectLogs(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		ExitCode:    exitCode,
		Stdout:      stdout,
		Stderr:      stderr,
		TimedOut:    timedOut,
		Duration:    time.Since(start),
		ContainerID: id,
	}
	slog.Debug("Sandbox run finished",
		"container_id", id, "exit_code", result.ExitCode,
		"timed_out", result.TimedOut, "duration", result.Duration)
	return result, nil
}

// materializeWorkspace writes the request files into a fresh temp directory.
func materializeWorkspace(files map[string]string) (string, error) {
	workDir, err := os.MkdirTemp("", "catalyst-sandbox-")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox workspace: %w", err)
	}
	for name, content := range files {
		rel := filepath.Clean(name)
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("file path escapes workspace: %s", name)
		}
		dst := filepath.Join(workDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("failed to create workspace dir for %s: %w", name, err)
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			_ = os.RemoveAll(workDir)
			return "", fmt.Errorf("failed to write workspace file %s: %w", name, err)
		}
	}
	return workDir, nil
}

// waitBounded waits for the container under the wall-clock cap, killing it
// if the cap expires.
func (s *Service) waitBounded(ctx context.Context, id string, timeout time.Duration) (exitCode int, timedOut bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := s.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), false, nil
	case err := <-errCh:
		if waitCtx.Err() != nil && ctx.Err() == nil {
			s.kill(id)
			return timeoutExitCode, true, nil
		}
		return 0, false, fmt.Errorf("%w: wait container: %v", ErrUnavailable, err)
	}
}

func (s *Service) kill(id string) {
	killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cli.ContainerKill(killCtx, id, "KILL"); err != nil {
		slog.Warn("Failed to kill timed-out sandbox container", "container_id", id, "error", err)
	}
}

// collectLogs demultiplexes the container's stdout/stderr streams.
func (s *Service) collectLogs(ctx context.Context, id string) (string, string, error) {
	logsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	stream, err := s.cli.ContainerLogs(logsCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: container logs: %v", ErrUnavailable, err)
	}
	defer func() { _ = stream.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, stream); err != nil {
		return "", "", fmt.Errorf("failed to demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}
