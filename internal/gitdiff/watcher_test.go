// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package gitdiff

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/arbor/internal/gitx"
)

type fakeRunner struct {
	gitx.RealRunner
	mu    sync.Mutex
	diff  string
	bases []string
}

func (r *fakeRunner) Diff(ctx context.Context, path, base string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bases = append(r.bases, base)
	return r.diff, nil
}

func (r *fakeRunner) Status(ctx context.Context, path string) (gitx.Status, error) {
	return gitx.Status{Clean: false, Files: []gitx.FileStatus{{Path: "main.go", Worktree: "M"}}}, nil
}

type capture struct {
	mu      sync.Mutex
	updates []Update
}

func (c *capture) sink(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func (c *capture) last() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates[len(c.updates)-1]
}

func newTestTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	return root
}

func TestAttachDeliversInitialFrame(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "diff --git a/main.go b/main.go"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "abc123", c.sink)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)
	got := c.last()
	assert.Equal(t, "abc123", got.BaseCommit)
	assert.Equal(t, "diff --git a/main.go b/main.go", got.Diff)
	assert.False(t, got.Status.Clean)
}

func TestFileChangeTriggersRefresh(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "abc", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.Eventually(t, func() bool { return c.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewDirectoryIsWatched(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "abc", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.Mkdir(sub, 0o755))
	require.Eventually(t, func() bool { return c.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	before := c.count()
	require.NoError(t, os.WriteFile(filepath.Join(sub, "pkg.go"), []byte("package pkg\n"), 0o644))
	require.Eventually(t, func() bool { return c.count() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestGitInternalsIgnored(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "abc", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	before := c.count()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "config"), []byte("[core]\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, c.count())

	// HEAD changes surface branch switches.
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/other\n"), 0o644))
	require.Eventually(t, func() bool { return c.count() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestSetBaseCommitPushesFrame(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "old", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	hub.SetBaseCommit("w-1", "new")
	require.Eventually(t, func() bool {
		return c.count() >= 2 && c.last().BaseCommit == "new"
	}, time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	assert.Contains(t, runner.bases, "new")
	runner.mu.Unlock()
}

func TestDetachStopsDelivery(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	connID, err := hub.Attach("w-1", root, "abc", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	hub.Detach("w-1", connID)
	before := c.count()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("changed\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, c.count())
}

func TestStopTearsDownWatcher(t *testing.T) {
	root := newTestTree(t)
	runner := &fakeRunner{diff: "d"}
	hub := NewHub(runner)
	defer hub.Close()

	var c capture
	_, err := hub.Attach("w-1", root, "abc", c.sink)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() >= 1 }, time.Second, 5*time.Millisecond)

	hub.Stop("w-1")
	before := c.count()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("changed\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, c.count())
}

func TestIgnoredPathFilter(t *testing.T) {
	w := &Watcher{path: "/repo"}

	tests := []struct {
		path    string
		ignored bool
	}{
		{"/repo/main.go", false},
		{"/repo/pkg/util.go", false},
		{"/repo/.git", true},
		{"/repo/.git/HEAD", false},
		{"/repo/.git/index", false},
		{"/repo/.git/config", true},
		{"/repo/.git/objects/ab/cd1234", true},
		{"/repo/.git/refs/heads/main", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ignored, w.ignored(tt.path), tt.path)
	}
}
