// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/arbor/internal/gitx"
	"github.com/wingedpig/arbor/internal/store"
)

type worktreeCall struct {
	repoPath     string
	worktreePath string
	branch       string
	createBranch bool
}

type fakeGit struct {
	gitx.RealRunner
	mu           sync.Mutex
	isRepo       bool
	branches     map[string]bool
	added        []worktreeCall
	removed      []string
	addErr       error
	removeErr    error
}

func (g *fakeGit) IsRepository(ctx context.Context, path string) bool {
	return g.isRepo
}

func (g *fakeGit) BranchExists(ctx context.Context, path, branch string) (bool, error) {
	return g.branches[branch], nil
}

func (g *fakeGit) AddWorktree(ctx context.Context, repoPath, worktreePath, branch string, createBranch bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.addErr != nil {
		return g.addErr
	}
	g.added = append(g.added, worktreeCall{repoPath, worktreePath, branch, createBranch})
	return nil
}

func (g *fakeGit) RemoveWorktree(ctx context.Context, repoPath, worktreePath string, force bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, worktreePath)
	return g.removeErr
}

type commandCall struct {
	dir     string
	command string
	env     map[string]string
}

type commandRecorder struct {
	mu    sync.Mutex
	calls []commandCall
	err   error
}

func (r *commandRecorder) run(ctx context.Context, dir, command string, env map[string]string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, commandCall{dir, command, env})
	return []byte("done"), r.err
}

type repoEnv struct {
	mgr      *Manager
	store    *store.Store
	git      *fakeGit
	commands *commandRecorder
	home     string
	repoDir  string
}

func newRepoEnv(t *testing.T) *repoEnv {
	t.Helper()
	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	repoDir := filepath.Join(home, "src", "myorg", "myrepo")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))

	env := &repoEnv{
		store:    st,
		git:      &fakeGit{isRepo: true, branches: map[string]bool{"main": true}},
		commands: &commandRecorder{},
		home:     home,
		repoDir:  repoDir,
	}
	env.mgr = NewManager(Options{
		Store: st,
		Git:   env.git,
		Home:  home,
		Run:   env.commands.run,
	})
	return env
}

func (e *repoEnv) addRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := e.mgr.Add(e.repoDir)
	require.NoError(t, err)
	return repo
}

func TestAddRepository(t *testing.T) {
	env := newRepoEnv(t)

	repo := env.addRepo(t)
	assert.Equal(t, "myrepo", repo.Name)
	assert.Equal(t, env.repoDir, repo.Path)
	assert.NotEmpty(t, repo.ID)

	repos, err := env.mgr.List()
	require.NoError(t, err)
	require.Len(t, repos, 1)
}

func TestAddRepositoryValidation(t *testing.T) {
	env := newRepoEnv(t)

	_, err := env.mgr.Add("")
	assert.ErrorContains(t, err, "path is required")

	_, err = env.mgr.Add(filepath.Join(env.home, "does-not-exist"))
	assert.ErrorContains(t, err, "does not exist")

	env.git.isRepo = false
	_, err = env.mgr.Add(env.repoDir)
	assert.ErrorContains(t, err, "not a git repository")

	env.git.isRepo = true
	env.addRepo(t)
	_, err = env.mgr.Add(env.repoDir)
	assert.ErrorContains(t, err, "already registered")
}

func TestCreateWorktreeNewBranch(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	now := repo.UpdatedAt
	repo.SetupCommand = "make deps"
	repo.EnvVars = map[string]string{"CI": "1"}
	repo.UpdatedAt = now
	require.NoError(t, env.store.UpdateRepository(repo))

	wt, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "feature/login"})
	require.NoError(t, err)

	assert.Equal(t, 1, wt.IndexNumber)
	want := filepath.Join(env.home, "repositories", "myorg", "myrepo", "worktrees", "feature-login-1")
	assert.Equal(t, want, wt.Path)

	require.Len(t, env.git.added, 1)
	call := env.git.added[0]
	assert.Equal(t, repo.Path, call.repoPath)
	assert.Equal(t, want, call.worktreePath)
	assert.Equal(t, "feature/login", call.branch)
	assert.True(t, call.createBranch)

	// Setup command ran in the fresh worktree with the repo env.
	require.Len(t, env.commands.calls, 1)
	assert.Equal(t, want, env.commands.calls[0].dir)
	assert.Equal(t, "make deps", env.commands.calls[0].command)
	assert.Equal(t, "1", env.commands.calls[0].env["CI"])

	// Second worktree gets the next index.
	wt2, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "feature/other"})
	require.NoError(t, err)
	assert.Equal(t, 2, wt2.IndexNumber)
}

func TestCreateWorktreeExistingBranch(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	_, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeExistingBranch, Branch: "ghost"})
	assert.ErrorContains(t, err, "does not exist")

	wt, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeExistingBranch, Branch: "main"})
	require.NoError(t, err)
	require.Len(t, env.git.added, 1)
	assert.False(t, env.git.added[0].createBranch)
	assert.Equal(t, wt.Path, env.git.added[0].worktreePath)
}

func TestCreateWorktreeValidation(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	_, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: "detached", Branch: "x"})
	assert.ErrorContains(t, err, "invalid worktree mode")

	_, err = env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeNewBranch})
	assert.ErrorContains(t, err, "branch is required")

	_, err = env.mgr.CreateWorktree("missing", CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "x"})
	assert.ErrorIs(t, err, ErrRepositoryNotFound)
}

func TestDeleteWorktree(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)
	repo.CleanupCommand = "make clean"
	require.NoError(t, env.store.UpdateRepository(repo))

	wt, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "feature/x"})
	require.NoError(t, err)

	require.NoError(t, env.mgr.DeleteWorktree(repo.ID, wt.Path))

	// Cleanup ran, git removal forced, row gone.
	require.Len(t, env.commands.calls, 1)
	assert.Equal(t, "make clean", env.commands.calls[0].command)
	assert.Equal(t, wt.Path, env.commands.calls[0].dir)
	assert.Equal(t, []string{wt.Path}, env.git.removed)

	rows, err := env.mgr.ListWorktrees(repo.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteWorktreeGitFailureStillDeletesRow(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	wt, err := env.mgr.CreateWorktree(repo.ID, CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "x"})
	require.NoError(t, err)

	env.git.removeErr = fmt.Errorf("worktree locked")
	require.NoError(t, env.mgr.DeleteWorktree(repo.ID, wt.Path))

	rows, err := env.mgr.ListWorktrees(repo.ID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDeleteWorktreeNotFound(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	err := env.mgr.DeleteWorktree(repo.ID, "/nope")
	assert.ErrorIs(t, err, ErrWorktreeNotFound)

	// A worktree belonging to another repository is invisible here.
	otherDir := filepath.Join(env.home, "src", "otherorg", "other")
	require.NoError(t, os.MkdirAll(otherDir, 0o755))
	other, err := env.mgr.Add(otherDir)
	require.NoError(t, err)
	wt, err := env.mgr.CreateWorktree(other.ID, CreateWorktreeRequest{Mode: ModeNewBranch, Branch: "y"})
	require.NoError(t, err)

	err = env.mgr.DeleteWorktree(repo.ID, wt.Path)
	assert.ErrorIs(t, err, ErrWorktreeNotFound)
}

func TestRemoveRepository(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	assert.ErrorIs(t, env.mgr.Remove("missing"), ErrRepositoryNotFound)
	require.NoError(t, env.mgr.Remove(repo.ID))

	repos, err := env.mgr.List()
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestSlackIntegrationCRUD(t *testing.T) {
	env := newRepoEnv(t)
	repo := env.addRepo(t)

	_, err := env.mgr.SetSlackIntegration("missing", "https://hooks.slack.com/x", true)
	assert.ErrorIs(t, err, ErrRepositoryNotFound)

	_, err = env.mgr.SetSlackIntegration(repo.ID, "  ", true)
	assert.ErrorContains(t, err, "webhookUrl is required")

	si, err := env.mgr.SetSlackIntegration(repo.ID, "https://hooks.slack.com/x", true)
	require.NoError(t, err)
	assert.True(t, si.Enabled)

	got, err := env.mgr.GetSlackIntegration(repo.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://hooks.slack.com/x", got.WebhookURL)

	// Upsert replaces in place.
	si, err = env.mgr.SetSlackIntegration(repo.ID, "https://hooks.slack.com/y", false)
	require.NoError(t, err)
	assert.False(t, si.Enabled)

	require.NoError(t, env.mgr.DeleteSlackIntegration(repo.ID))
	got, err = env.mgr.GetSlackIntegration(repo.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSanitizeBranch(t *testing.T) {
	assert.Equal(t, "feature-login", sanitizeBranch("feature/login"))
	assert.Equal(t, "Fix-Bug-42", sanitizeBranch("Fix Bug 42"))
	assert.Equal(t, "v1.2.3", sanitizeBranch("v1.2.3"))
	assert.Equal(t, "a_b-c", sanitizeBranch("a_b-c"))
}
