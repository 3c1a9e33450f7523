package gitsvc

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ListRepos returns the project names that have an initialized repository,
// sorted.
func (s *Service) ListRepos() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read git root: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.cfg.Root, entry.Name(), ".git")); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CommitInfo is one entry of a repository's history.
type CommitInfo struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
}

// History returns the most recent commits on the current branch, newest
// first.
func (s *Service) History(name string, limit int) ([]CommitInfo, error) {
	repo, err := git.PlainOpen(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", name, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	if limit <= 0 {
		limit = 20
	}
	var commits []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, CommitInfo{
			SHA:     c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		if len(commits) >= limit {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk log: %w", err)
	}
	return commits, nil
}

// LOCStats summarizes the size of a project's worktree.
type LOCStats struct {
	Files       int            `json:"files"`
	Lines       int            `json:"lines"`
	ByExtension map[string]int `json:"by_extension"`
}

// LOC counts lines across the worktree, skipping the .git directory and
// binary-looking files.
func (s *Service) LOC(name string) (*LOCStats, error) {
	root := s.path(name)
	stats := &LOCStats{ByExtension: make(map[string]int)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.ContainsRune(content, 0) {
			return nil
		}
		lines := bytes.Count(content, []byte("\n"))
		if len(content) > 0 && !bytes.HasSuffix(content, []byte("\n")) {
			lines++
		}
		stats.Files++
		stats.Lines += lines
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			ext = "none"
		}
		stats.ByExtension[ext] += lines
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count lines for %s: %w", name, err)
	}
	return stats, nil
}

// DiffStats describes the latest commit's change footprint.
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
}

// LatestDiffStats reports the file and line deltas of the HEAD commit.
func (s *Service) LatestDiffStats(name string) (*DiffStats, error) {
	repo, err := git.PlainOpen(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", name, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	fileStats, err := commit.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to compute diff stats: %w", err)
	}

	stats := &DiffStats{FilesChanged: len(fileStats)}
	for _, st := range fileStats {
		stats.Additions += st.Addition
		stats.Deletions += st.Deletion
	}
	return stats, nil
}
