package preview

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewURL(t *testing.T) {
	s := &Service{cfg: Config{Domain: "preview.localhost"}}

	url := s.previewURL("TodoApp", "a1b2c3d4e5f6")
	assert.Equal(t, "http://todoapp-a1b2c3d4.preview.localhost", url)

	// Short task ids are used whole.
	url = s.previewURL("todo", "t-9")
	assert.Equal(t, "http://todo-t-9.preview.localhost", url)
}

func TestWriteComposeManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeComposeManifest(dir, "task-1", 9000, 9001))

	content, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	require.NoError(t, err)
	manifest := string(content)
	assert.Contains(t, manifest, `"9000:8000"`)
	assert.Contains(t, manifest, `"9001:3000"`)
	assert.Contains(t, manifest, "BACKEND_URL: http://backend:8000")
	assert.Contains(t, manifest, "name: preview-task-1")
}

func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "app"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM python:3.12-slim\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app", "main.py"), []byte("print('hi')\n"), 0o644))

	reader, err := tarDirectory(dir)
	require.NoError(t, err)

	names := map[string]string{}
	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(content)
	}

	assert.Equal(t, "FROM python:3.12-slim\n", names["Dockerfile"])
	assert.Equal(t, "print('hi')\n", names["app/main.py"])
}

func TestDrain_SurfacesEmbeddedErrors(t *testing.T) {
	ok := `{"stream":"Step 1/2"}` + "\n" + `{"stream":"Step 2/2"}`
	require.NoError(t, drain(strings.NewReader(ok)))

	failed := `{"stream":"Step 1/2"}` + "\n" + `{"error":"no such file: Dockerfile"}`
	err := drain(strings.NewReader(failed))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such file")
}
