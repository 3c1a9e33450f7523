package gitsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// RemoteConfig configures the optional hosted remote. All remote
// operations return ErrRemoteDisabled while Token is empty.
type RemoteConfig struct {
	// Token authenticates pushes and PR creation.
	Token string

	// Owner is the remote namespace repositories are created under.
	Owner string

	// APIBase is the remote's REST endpoint, e.g. https://api.github.com.
	APIBase string

	// CloneBase is the push URL prefix, e.g. https://github.com.
	CloneBase string
}

func (c RemoteConfig) enabled() bool { return c.Token != "" }

// EnsureRemote configures origin to point at the hosted copy of the
// project. Idempotent.
func (s *Service) EnsureRemote(name string) error {
	if !s.cfg.Remote.enabled() {
		return ErrRemoteDisabled
	}
	repo, err := git.PlainOpen(s.path(name))
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", name, err)
	}

	url := fmt.Sprintf("%s/%s/%s.git", s.cfg.Remote.CloneBase, s.cfg.Remote.Owner, name)
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if err != nil && !errors.Is(err, git.ErrRemoteExists) {
		return fmt.Errorf("failed to configure remote: %w", err)
	}
	return nil
}

// Push uploads the branch to origin. Already-up-to-date is success.
func (s *Service) Push(ctx context.Context, name, branch string) error {
	if !s.cfg.Remote.enabled() {
		return ErrRemoteDisabled
	}
	repo, err := git.PlainOpen(s.path(name))
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", name, err)
	}

	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth: &githttp.BasicAuth{
			Username: "git",
			Password: s.cfg.Remote.Token,
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// OpenPR opens a pull request for the branch against the default branch and
// returns its URL.
func (s *Service) OpenPR(ctx context.Context, name, branch, title, body string) (string, error) {
	if !s.cfg.Remote.enabled() {
		return "", ErrRemoteDisabled
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"body":  body,
		"head":  branch,
		"base":  "main",
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode PR request: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/pulls", s.cfg.Remote.APIBase, s.cfg.Remote.Owner, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build PR request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Remote.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to open PR: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("PR creation returned %d: %s", resp.StatusCode, string(detail))
	}

	var created struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode PR response: %w", err)
	}
	return created.HTMLURL, nil
}
