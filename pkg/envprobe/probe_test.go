package envprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeFS struct {
	paths map[string]bool
	envs  map[string]string
}

func (f fakeFS) exists(path string) bool { return f.paths[path] }
func (f fakeFS) env(key string) string   { return f.envs[key] }

func TestDetect_Kubernetes(t *testing.T) {
	fs := fakeFS{
		paths: map[string]bool{k8sServiceAccount: true, dockerSocketPath: true},
	}

	caps := detect(fs, "")
	assert.Equal(t, ModeKubernetes, caps.Mode)
	assert.True(t, caps.EventStreaming)
	assert.True(t, caps.PreviewDeployments)
	assert.True(t, caps.EventDriven())
}

func TestDetect_DockerDesktop(t *testing.T) {
	fs := fakeFS{paths: map[string]bool{dockerSocketPath: true}}

	caps := detect(fs, "")
	assert.Equal(t, ModeDockerDesktop, caps.Mode)
	assert.True(t, caps.EventStreaming)
	assert.True(t, caps.PreviewDeployments)
}

func TestDetect_Local(t *testing.T) {
	fs := fakeFS{}

	caps := detect(fs, "")
	assert.Equal(t, ModeLocal, caps.Mode)
	assert.True(t, caps.Postgres)
	assert.True(t, caps.GitIntegration)
	assert.False(t, caps.EventStreaming)
	assert.False(t, caps.PreviewDeployments)
	assert.False(t, caps.EventDriven())
}

func TestDetect_KubernetesViaEnv(t *testing.T) {
	fs := fakeFS{envs: map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}}

	caps := detect(fs, "")
	assert.Equal(t, ModeKubernetes, caps.Mode)
}

func TestDetect_OverridePinsMode(t *testing.T) {
	// Override forces the mode, but feature flags still reflect reality:
	// no socket means no preview deployments regardless of mode.
	fs := fakeFS{}

	caps := detect(fs, ModeDockerDesktop)
	assert.Equal(t, ModeDockerDesktop, caps.Mode)
	assert.True(t, caps.EventStreaming)
	assert.False(t, caps.PreviewDeployments)
}
