// Package envprobe detects the deployment environment at process start and
// produces the capability record every downstream mode decision reads.
package envprobe

import (
	"log/slog"
	"os"
)

// Deployment modes.
const (
	ModeKubernetes    = "kubernetes"
	ModeDockerDesktop = "docker_desktop"
	ModeLocal         = "local"
)

// Capabilities is the write-once record produced by Detect. It is computed
// exactly once at startup and passed down; nothing mutates it afterwards.
type Capabilities struct {
	Mode string `json:"mode"`

	Postgres           bool `json:"postgres"`
	EventStreaming     bool `json:"event_streaming"`
	GitIntegration     bool `json:"git_integration"`
	PreviewDeployments bool `json:"preview_deployments"`
}

// EventDriven reports whether the orchestrator should route tasks through
// the event bus rather than invoking agents sequentially.
func (c Capabilities) EventDriven() bool {
	return c.EventStreaming
}

// probeFS abstracts filesystem hints for testing.
type probeFS interface {
	exists(path string) bool
	env(key string) string
}

type osFS struct{}

func (osFS) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (osFS) env(key string) string { return os.Getenv(key) }

const (
	dockerSocketPath   = "/var/run/docker.sock"
	k8sServiceAccount  = "/var/run/secrets/kubernetes.io/serviceaccount"
	supervisorConfPath = "/etc/supervisor/conf.d/catalyst.conf"
)

// Detect probes the environment and returns the capability record.
// modeOverride, when non-empty, pins the mode but feature detection still
// runs (an override cannot invent a Docker socket that is not there).
func Detect(modeOverride string) Capabilities {
	return detect(osFS{}, modeOverride)
}

func detect(fs probeFS, modeOverride string) Capabilities {
	hasDocker := fs.exists(dockerSocketPath)
	inKubernetes := fs.exists(k8sServiceAccount) || fs.env("KUBERNETES_SERVICE_HOST") != ""
	supervised := fs.exists(supervisorConfPath)

	mode := ModeLocal
	switch {
	case inKubernetes:
		mode = ModeKubernetes
	case hasDocker || supervised:
		mode = ModeDockerDesktop
	}
	if modeOverride != "" {
		mode = modeOverride
	}

	caps := Capabilities{
		Mode:           mode,
		Postgres:       true,
		GitIntegration: true,
		// Event streaming requires a broker, which only the managed modes run.
		EventStreaming:     mode != ModeLocal,
		PreviewDeployments: hasDocker,
	}

	slog.Info("Environment detected",
		"mode", caps.Mode,
		"postgres", caps.Postgres,
		"event_streaming", caps.EventStreaming,
		"git_integration", caps.GitIntegration,
		"preview_deployments", caps.PreviewDeployments)

	return caps
}
