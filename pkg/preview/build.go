package preview

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
)

// buildImage tars the context directory and builds it into the tag. Build
// errors arrive as JSON messages on the response stream, not as the call's
// error, so the stream is decoded rather than discarded.
func (s *Service) buildImage(ctx context.Context, dir, tag string) error {
	buildContext, err := tarDirectory(dir)
	if err != nil {
		return err
	}

	resp, err := s.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return drain(resp.Body)
}

// drain consumes a docker JSON message stream and surfaces embedded errors.
func drain(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&msg); err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if msg.Error != "" {
			return fmt.Errorf("docker: %s", msg.Error)
		}
	}
}

// tarDirectory packs a directory into an in-memory tar for use as a build
// context. Generated projects are small; buffering is fine.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." || d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(content)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tar build context %s: %w", dir, err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize build context: %w", err)
	}
	return &buf, nil
}

// writeComposeManifest emits a docker-compose file into the project tree
// for the manifest-only deployment modes.
func writeComposeManifest(sourceDir, taskID string, backendPort, frontendPort int) error {
	manifest := fmt.Sprintf(`services:
  db:
    image: %s
    environment:
      POSTGRES_USER: preview
      POSTGRES_PASSWORD: preview
      POSTGRES_DB: app
    tmpfs:
      - /var/lib/postgresql/data
  backend:
    build: ./backend
    environment:
      DATABASE_URL: postgres://preview:preview@db:5432/app
    ports:
      - "%d:%d"
    depends_on:
      - db
  frontend:
    build: ./frontend
    environment:
      BACKEND_URL: http://backend:%d
    ports:
      - "%d:%d"
    depends_on:
      - backend

networks:
  default:
    name: preview-%s
`, dbImage, backendPort, backendInternalPort, backendInternalPort,
		frontendPort, frontendInternalPort, taskID)

	path := filepath.Join(sourceDir, "docker-compose.yml")
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		return fmt.Errorf("failed to write compose manifest: %w", err)
	}
	return nil
}
