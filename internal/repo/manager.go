// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package repo manages registered repositories, their worktrees, and the
// per-repository Slack integration rows.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/arbor/internal/gitx"
	"github.com/wingedpig/arbor/internal/store"
)

const (
	gitOpTimeout   = 30 * time.Second
	commandTimeout = 5 * time.Minute
)

// Worktree create modes.
const (
	ModeNewBranch      = "new-branch"
	ModeExistingBranch = "existing-branch"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrWorktreeNotFound   = errors.New("worktree not found")
)

// RunCommand executes a repository setup or cleanup command. Injectable
// for tests; the default runs through the shell.
type RunCommand func(ctx context.Context, dir, command string, env map[string]string) ([]byte, error)

// Options wires the manager.
type Options struct {
	Store *store.Store
	Git   gitx.Runner

	// Home is the application home; worktrees are created under
	// {home}/repositories/{org}/{repo}/worktrees.
	Home string

	Run RunCommand
}

// Manager owns repository and worktree lifecycle.
type Manager struct {
	opts Options
}

// NewManager creates the repository manager.
func NewManager(opts Options) *Manager {
	if opts.Run == nil {
		opts.Run = runShellCommand
	}
	return &Manager{opts: opts}
}

func runShellCommand(ctx context.Context, dir, command string, env map[string]string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return cmd.CombinedOutput()
}

// Add registers an existing git repository by path.
func (m *Manager) Add(path string) (store.Repository, error) {
	if strings.TrimSpace(path) == "" {
		return store.Repository{}, fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return store.Repository{}, fmt.Errorf("path does not exist: %s", abs)
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()
	if !m.opts.Git.IsRepository(ctx, abs) {
		return store.Repository{}, fmt.Errorf("not a git repository: %s", abs)
	}

	if existing, err := m.opts.Store.GetRepositoryByPath(abs); err != nil {
		return store.Repository{}, err
	} else if existing != nil {
		return store.Repository{}, fmt.Errorf("repository already registered: %s", abs)
	}

	now := time.Now().UTC()
	repo := store.Repository{
		ID:        uuid.New().String(),
		Name:      filepath.Base(abs),
		Path:      abs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.opts.Store.CreateRepository(repo); err != nil {
		return store.Repository{}, err
	}
	return repo, nil
}

// Get returns the repository or ErrRepositoryNotFound.
func (m *Manager) Get(id string) (store.Repository, error) {
	repo, err := m.opts.Store.GetRepository(id)
	if err != nil {
		return store.Repository{}, err
	}
	if repo == nil {
		return store.Repository{}, ErrRepositoryNotFound
	}
	return *repo, nil
}

// List returns all registered repositories.
func (m *Manager) List() ([]store.Repository, error) {
	return m.opts.Store.ListRepositories()
}

// Remove deletes the repository row; worktree and slack integration rows
// cascade away. Nothing on disk is touched.
func (m *Manager) Remove(id string) error {
	repo, err := m.opts.Store.GetRepository(id)
	if err != nil {
		return err
	}
	if repo == nil {
		return ErrRepositoryNotFound
	}
	return m.opts.Store.DeleteRepository(id)
}

// CreateWorktreeRequest describes a worktree to create.
type CreateWorktreeRequest struct {
	Mode   string `json:"mode"`
	Branch string `json:"branch,omitempty"`
}

// CreateWorktree adds a git worktree for the repository under the app home
// and runs the repository's setup command in it.
func (m *Manager) CreateWorktree(repositoryID string, req CreateWorktreeRequest) (store.Worktree, error) {
	repo, err := m.Get(repositoryID)
	if err != nil {
		return store.Worktree{}, err
	}
	if req.Mode != ModeNewBranch && req.Mode != ModeExistingBranch {
		return store.Worktree{}, fmt.Errorf("invalid worktree mode %q", req.Mode)
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		return store.Worktree{}, fmt.Errorf("branch is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	createBranch := req.Mode == ModeNewBranch
	if !createBranch {
		exists, err := m.opts.Git.BranchExists(ctx, repo.Path, branch)
		if err != nil {
			return store.Worktree{}, err
		}
		if !exists {
			return store.Worktree{}, fmt.Errorf("branch %s does not exist", branch)
		}
	}

	index, err := m.opts.Store.NextWorktreeIndex(repo.ID)
	if err != nil {
		return store.Worktree{}, err
	}
	wtPath := m.worktreePath(repo, branch, index)
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return store.Worktree{}, fmt.Errorf("creating worktree parent: %w", err)
	}

	if err := m.opts.Git.AddWorktree(ctx, repo.Path, wtPath, branch, createBranch); err != nil {
		return store.Worktree{}, err
	}

	m.runSetup(repo, wtPath)

	wt := store.Worktree{
		ID:           uuid.New().String(),
		RepositoryID: repo.ID,
		Path:         wtPath,
		IndexNumber:  index,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.opts.Store.CreateWorktree(wt); err != nil {
		return store.Worktree{}, err
	}
	return wt, nil
}

// ListWorktrees returns the repository's worktrees.
func (m *Manager) ListWorktrees(repositoryID string) ([]store.Worktree, error) {
	if _, err := m.Get(repositoryID); err != nil {
		return nil, err
	}
	return m.opts.Store.ListWorktrees(repositoryID)
}

// DeleteWorktree runs the repository's cleanup command, removes the git
// worktree, and deletes the row. Git and cleanup failures are logged and
// do not keep the row alive; a half-removed worktree should not pin its
// registration forever.
func (m *Manager) DeleteWorktree(repositoryID, path string) error {
	repo, err := m.Get(repositoryID)
	if err != nil {
		return err
	}
	wt, err := m.opts.Store.GetWorktreeByPath(path)
	if err != nil {
		return err
	}
	if wt == nil || wt.RepositoryID != repo.ID {
		return ErrWorktreeNotFound
	}

	if repo.CleanupCommand != "" {
		m.runLogged(repo, wt.Path, repo.CleanupCommand, "cleanup")
	}

	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()
	if err := m.opts.Git.RemoveWorktree(ctx, repo.Path, wt.Path, true); err != nil {
		log.Printf("Repo manager: removing worktree %s: %v", wt.Path, err)
	}
	return m.opts.Store.DeleteWorktreeByPath(wt.Path)
}

// SetSlackIntegration upserts the repository's webhook row.
func (m *Manager) SetSlackIntegration(repositoryID, webhookURL string, enabled bool) (store.SlackIntegration, error) {
	if _, err := m.Get(repositoryID); err != nil {
		return store.SlackIntegration{}, err
	}
	if strings.TrimSpace(webhookURL) == "" {
		return store.SlackIntegration{}, fmt.Errorf("webhookUrl is required")
	}

	now := time.Now().UTC()
	si := store.SlackIntegration{
		ID:           uuid.New().String(),
		RepositoryID: repositoryID,
		WebhookURL:   webhookURL,
		Enabled:      enabled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.opts.Store.UpsertSlackIntegration(si); err != nil {
		return store.SlackIntegration{}, err
	}
	saved, err := m.opts.Store.GetSlackIntegration(repositoryID)
	if err != nil {
		return store.SlackIntegration{}, err
	}
	return *saved, nil
}

// GetSlackIntegration returns the row or nil.
func (m *Manager) GetSlackIntegration(repositoryID string) (*store.SlackIntegration, error) {
	if _, err := m.Get(repositoryID); err != nil {
		return nil, err
	}
	return m.opts.Store.GetSlackIntegration(repositoryID)
}

// DeleteSlackIntegration removes the row.
func (m *Manager) DeleteSlackIntegration(repositoryID string) error {
	if _, err := m.Get(repositoryID); err != nil {
		return err
	}
	return m.opts.Store.DeleteSlackIntegration(repositoryID)
}

// worktreePath builds {home}/repositories/{org}/{repo}/worktrees/{branch}-{n}.
// The org segment comes from the repository path's parent directory.
func (m *Manager) worktreePath(repo store.Repository, branch string, index int) string {
	org := filepath.Base(filepath.Dir(repo.Path))
	dir := fmt.Sprintf("%s-%d", sanitizeBranch(branch), index)
	return filepath.Join(m.opts.Home, "repositories", org, repo.Name, "worktrees", dir)
}

// sanitizeBranch makes a branch name safe as a directory name.
func sanitizeBranch(branch string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, branch)
}

// runSetup runs the repository's setup command in a fresh worktree. A
// failed setup leaves the worktree usable; the user can rerun by hand.
func (m *Manager) runSetup(repo store.Repository, wtPath string) {
	if repo.SetupCommand == "" {
		return
	}
	m.runLogged(repo, wtPath, repo.SetupCommand, "setup")
}

func (m *Manager) runLogged(repo store.Repository, dir, command, label string) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	out, err := m.opts.Run(ctx, dir, command, repo.EnvVars)
	if err != nil {
		log.Printf("Repo manager: %s command for %s failed: %v\n%s", label, repo.Name, err, out)
		return
	}
	if len(out) > 0 {
		log.Printf("Repo manager: %s command for %s:\n%s", label, repo.Name, out)
	}
}
