// Package gitsvc manages the local Git repositories the pipeline commits
// generated projects into, with optional push and pull-request support when
// a remote token is configured.
package gitsvc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	authorName  = "catalyst"
	authorEmail = "agents@catalyst.local"
)

// ErrRemoteDisabled is returned from remote operations when no token is
// configured.
var ErrRemoteDisabled = errors.New("remote operations disabled: no token configured")

// Config locates the repository root and, optionally, the remote.
type Config struct {
	// Root is the directory project repositories live under.
	Root string

	// Remote enables push and PR operations when Token is non-empty.
	Remote RemoteConfig
}

// Service owns the project repositories. Writes to the same project are
// serialized on a per-project lock held for the commit only.
type Service struct {
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the service and its root directory.
func New(cfg Config) (*Service, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create git root: %w", err)
	}
	return &Service{cfg: cfg, locks: make(map[string]*sync.Mutex)}, nil
}

// projectLock returns the mutex for one project, creating it on first use.
func (s *Service) projectLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Service) path(name string) string {
	return filepath.Join(s.cfg.Root, filepath.Base(name))
}

// RepoPath returns the on-disk location of a project repository.
func (s *Service) RepoPath(name string) string { return s.path(name) }

// InitRepo creates the project repository with an initial commit so
// branches have a base. Idempotent: an existing repository is returned
// as-is.
func (s *Service) InitRepo(name string) (string, error) {
	lock := s.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(name)
	repo, err := git.PlainInit(path, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to init repository %s: %w", name, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	readme := filepath.Join(path, "README.md")
	if err := os.WriteFile(readme, []byte("# "+name+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write README: %w", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		return "", fmt.Errorf("failed to stage README: %w", err)
	}
	if _, err := wt.Commit("chore: initialize repository\n\n[system-agent]", commitOptions()); err != nil {
		return "", fmt.Errorf("failed to create initial commit: %w", err)
	}

	slog.Info("Initialized project repository", "project", name, "path", path)
	return path, nil
}

// CreateBranch checks out the branch, creating it from HEAD when it does
// not exist yet.
func (s *Service) CreateBranch(name, branch string) error {
	lock := s.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.path(name))
	if err != nil {
		return fmt.Errorf("failed to open repository %s: %w", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(branch)
	_, err = repo.Reference(ref, true)
	create := err != nil

	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create}); err != nil {
		return fmt.Errorf("failed to checkout branch %s: %w", branch, err)
	}
	return nil
}

// Commit writes the files into the worktree and records them as a single
// commit on the current branch. Returns the commit sha.
func (s *Service) Commit(name, message string, files map[string]string) (string, error) {
	lock := s.projectLock(name)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(name)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", name, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}

	for rel, content := range files {
		clean := filepath.Clean(rel)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) || filepath.IsAbs(clean) {
			return "", fmt.Errorf("file path escapes repository: %s", rel)
		}
		dst := filepath.Join(path, clean)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("failed to create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", rel, err)
		}
		if _, err := wt.Add(clean); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", rel, err)
		}
	}

	sha, err := wt.Commit(message, commitOptions())
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return sha.String(), nil
}

func commitOptions() *git.CommitOptions {
	return &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	}
}

// FormatCommitMessage builds the pipeline's commit message format: a typed
// summary line, a bullet list of changes, and an agent trailer.
func FormatCommitMessage(commitType, summary string, changes []string, agent string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", commitType, summary)
	if len(changes) > 0 {
		b.WriteString("\n")
		for _, c := range changes {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\n[%s-agent]", agent)
	return b.String()
}

// TaskBranch is the branch naming convention for pipeline work.
func TaskBranch(taskID string) string {
	return "feature/task-" + taskID
}
