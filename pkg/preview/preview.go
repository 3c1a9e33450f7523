// Package preview deploys generated projects as per-task container stacks
// (database, backend, frontend) with TTL-bounded lifetimes, and tears them
// down again.
package preview

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/catalyst-hq/catalyst/pkg/store"
)

// Deployment modes. Only ModeDockerInDocker runs containers; the other two
// stop after writing the compose manifest into the project tree.
const (
	ModeDockerInDocker = "docker_in_docker"
	ModeComposeOnly    = "compose_only"
	ModeTraefik        = "traefik"
)

const (
	dbImage = "postgres:16-alpine"

	// Internal container ports; host ports come from the allocator.
	backendInternalPort  = 8000
	frontendInternalPort = 3000

	healthBudget = 30 * time.Second
)

// Store is the slice of the state store the preview service needs.
type Store interface {
	RecordPreview(ctx context.Context, p *store.Preview) error
	GetPreview(ctx context.Context, taskID string) (*store.Preview, error)
	MarkPreviewCleaned(ctx context.Context, taskID string) error
	ReservedPorts(ctx context.Context) ([]int, error)
}

var _ Store = (*store.Client)(nil)

// Config controls deployment behavior.
type Config struct {
	Mode    string
	Domain  string
	TTL     time.Duration
	PortMin int
	PortMax int
}

// Service owns preview stacks and the port reservation set.
type Service struct {
	cli    *client.Client
	db     Store
	cfg    Config
	ports  *PortAllocator
	health *http.Client
}

// New creates the service and rehydrates port reservations from the
// preview table so restarts do not double-allocate.
func New(ctx context.Context, db Store, cfg Config) (*Service, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if cfg.PortMin == 0 {
		cfg.PortMin, cfg.PortMax = 9000, 9999
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDockerInDocker
	}

	s := &Service{
		cli:    cli,
		db:     db,
		cfg:    cfg,
		ports:  NewPortAllocator(cfg.PortMin, cfg.PortMax),
		health: &http.Client{Timeout: 3 * time.Second},
	}

	reserved, err := db.ReservedPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to rehydrate port reservations: %w", err)
	}
	s.ports.Rehydrate(reserved)
	slog.Info("Preview service ready", "mode", cfg.Mode, "reserved_ports", len(reserved))
	return s, nil
}

// Close releases the Docker client.
func (s *Service) Close() error { return s.cli.Close() }

// DeployRequest identifies the task and the source tree to deploy.
type DeployRequest struct {
	TaskID    string
	Project   string
	SourceDir string
}

// Deploy builds the backend and frontend images from the source tree and
// brings up the database, backend, and frontend on a private network. On
// success the preview row is recorded with status deployed and a TTL.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*store.Preview, error) {
	backendPort, err := s.ports.Allocate()
	if err != nil {
		return nil, err
	}
	frontendPort, err := s.ports.Allocate()
	if err != nil {
		s.ports.Release(backendPort)
		return nil, err
	}

	record := &store.Preview{
		TaskID:       req.TaskID,
		ProjectName:  req.Project,
		BackendPort:  backendPort,
		FrontendPort: frontendPort,
		PreviewURL:   s.previewURL(req.Project, req.TaskID),
		FallbackURL:  fmt.Sprintf("http://localhost:%d", frontendPort),
		Status:       store.PreviewStatusStarting,
		HealthStatus: store.HealthUnknown,
		DeployedAt:   time.Now(),
		ExpiresAt:    time.Now().Add(s.cfg.TTL),
	}

	if s.cfg.Mode != ModeDockerInDocker {
		if err := writeComposeManifest(req.SourceDir, req.TaskID, backendPort, frontendPort); err != nil {
			s.releaseRecordPorts(record)
			return nil, err
		}
		record.Status = store.PreviewStatusDeployed
		if err := s.db.RecordPreview(ctx, record); err != nil {
			s.releaseRecordPorts(record)
			return nil, err
		}
		return record, nil
	}

	if err := s.deployStack(ctx, req, record); err != nil {
		// Partial stacks are torn down; the failed row stays for audit.
		s.teardown(context.WithoutCancel(ctx), record)
		record.Status = store.PreviewStatusFailed
		if recErr := s.db.RecordPreview(ctx, record); recErr != nil {
			slog.Error("Failed to record failed preview", "task_id", req.TaskID, "error", recErr)
		}
		s.releaseRecordPorts(record)
		return nil, err
	}

	record.Status = store.PreviewStatusDeployed
	record.HealthStatus = store.HealthHealthy
	if err := s.db.RecordPreview(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record preview: %w", err)
	}
	slog.Info("Preview deployed",
		"task_id", req.TaskID, "project", req.Project,
		"url", record.PreviewURL, "fallback", record.FallbackURL)
	return record, nil
}

func (s *Service) deployStack(ctx context.Context, req DeployRequest, record *store.Preview) error {
	backendTag := fmt.Sprintf("catalyst-preview/%s-backend", req.TaskID)
	frontendTag := fmt.Sprintf("catalyst-preview/%s-frontend", req.TaskID)

	if err := s.buildImage(ctx, req.SourceDir+"/backend", backendTag); err != nil {
		return fmt.Errorf("failed to build backend image: %w", err)
	}
	if err := s.buildImage(ctx, req.SourceDir+"/frontend", frontendTag); err != nil {
		return fmt.Errorf("failed to build frontend image: %w", err)
	}

	netName := "preview-" + req.TaskID
	netResp, err := s.cli.NetworkCreate(ctx, netName, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("failed to create preview network: %w", err)
	}
	record.NetworkID = netResp.ID

	if err := s.pullIfMissing(ctx, dbImage); err != nil {
		return err
	}

	dbID, err := s.runContainer(ctx, containerSpec{
		name:    netName + "-db",
		image:   dbImage,
		network: netName,
		alias:   "db",
		env: []string{
			"POSTGRES_USER=preview",
			"POSTGRES_PASSWORD=preview",
			"POSTGRES_DB=app",
		},
		tmpfs: map[string]string{"/var/lib/postgresql/data": ""},
	})
	if err != nil {
		return fmt.Errorf("failed to start preview database: %w", err)
	}
	record.DBContainerID = dbID

	backendID, err := s.runContainer(ctx, containerSpec{
		name:     netName + "-backend",
		image:    backendTag,
		network:  netName,
		alias:    "backend",
		env:      []string{"DATABASE_URL=postgres://preview:preview@db:5432/app"},
		port:     backendInternalPort,
		hostPort: record.BackendPort,
	})
	if err != nil {
		return fmt.Errorf("failed to start preview backend: %w", err)
	}
	record.BackendContainerID = backendID

	frontendID, err := s.runContainer(ctx, containerSpec{
		name:     netName + "-frontend",
		image:    frontendTag,
		network:  netName,
		alias:    "frontend",
		env:      []string{fmt.Sprintf("BACKEND_URL=http://backend:%d", backendInternalPort)},
		port:     frontendInternalPort,
		hostPort: record.FrontendPort,
	})
	if err != nil {
		return fmt.Errorf("failed to start preview frontend: %w", err)
	}
	record.FrontendContainerID = frontendID

	if err := s.awaitHealthy(ctx, record); err != nil {
		return err
	}
	return nil
}

type containerSpec struct {
	name     string
	image    string
	network  string
	alias    string
	env      []string
	tmpfs    map[string]string
	port     int // internal port to publish; 0 publishes nothing
	hostPort int
}

func (s *Service) runContainer(ctx context.Context, spec containerSpec) (string, error) {
	cfg := &container.Config{Image: spec.image, Env: spec.env}
	hostCfg := &container.HostConfig{Tmpfs: spec.tmpfs}

	if spec.port > 0 {
		internal, err := nat.NewPort("tcp", strconv.Itoa(spec.port))
		if err != nil {
			return "", fmt.Errorf("failed to build port spec: %w", err)
		}
		cfg.ExposedPorts = nat.PortSet{internal: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			internal: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.hostPort)}},
		}
	}

	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.network: {Aliases: []string{spec.alias}},
		},
	}

	created, err := s.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.name)
	if err != nil {
		return "", err
	}
	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, err
	}
	return created.ID, nil
}

func (s *Service) pullIfMissing(ctx context.Context, ref string) error {
	if _, err := s.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	reader, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	if err := drain(reader); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}

// awaitHealthy polls the backend and frontend endpoints with exponential
// backoff inside the health budget.
func (s *Service) awaitHealthy(ctx context.Context, record *store.Preview) error {
	deadline := time.Now().Add(healthBudget)
	backoff := 500 * time.Millisecond

	backendURL := fmt.Sprintf("http://localhost:%d/api/", record.BackendPort)
	frontendURL := fmt.Sprintf("http://localhost:%d/", record.FrontendPort)

	for {
		if s.endpointUp(ctx, backendURL) && s.endpointUp(ctx, frontendURL) {
			return nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("preview for task %s not healthy within %s", record.TaskID, healthBudget)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Service) endpointUp(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.health.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// ProbeHealth classifies a deployed preview's fallback endpoint for the
// scheduler's health job.
func (s *Service) ProbeHealth(ctx context.Context, record *store.Preview) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, record.FallbackURL, nil)
	if err != nil {
		return store.HealthUnreachable
	}
	resp, err := s.health.Do(req)
	if err != nil {
		return store.HealthUnreachable
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return store.HealthUnhealthy
	}
	return store.HealthHealthy
}

// Cleanup stops and removes the stack, releases the ports, and marks the
// row cleaned_up. Idempotent: absent resources are skipped, a second call
// is a no-op.
func (s *Service) Cleanup(ctx context.Context, taskID string) error {
	record, err := s.db.GetPreview(ctx, taskID)
	if err != nil {
		return err
	}
	if record.Status == store.PreviewStatusCleanedUp {
		return nil
	}

	s.teardown(ctx, record)
	if err := s.db.MarkPreviewCleaned(ctx, taskID); err != nil {
		return err
	}
	s.releaseRecordPorts(record)
	slog.Info("Preview cleaned up", "task_id", taskID)
	return nil
}

// teardown removes whatever parts of the stack exist. Absence is not an
// error.
func (s *Service) teardown(ctx context.Context, record *store.Preview) {
	for _, id := range []string{record.FrontendContainerID, record.BackendContainerID, record.DBContainerID} {
		if id == "" {
			continue
		}
		err := s.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		if err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("Failed to remove preview container", "container_id", id, "error", err)
		}
	}
	if record.NetworkID != "" {
		if err := s.cli.NetworkRemove(ctx, record.NetworkID); err != nil && !errdefs.IsNotFound(err) {
			slog.Warn("Failed to remove preview network", "network_id", record.NetworkID, "error", err)
		}
	}
}

func (s *Service) releaseRecordPorts(record *store.Preview) {
	s.ports.Release(record.BackendPort)
	s.ports.Release(record.FrontendPort)
}

// previewURL is http://<project>-<task_prefix>.<domain>.
func (s *Service) previewURL(project, taskID string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	host := strings.ToLower(project) + "-" + prefix
	return fmt.Sprintf("http://%s.%s", host, s.cfg.Domain)
}
