// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/gitx"
	"github.com/wingedpig/arbor/internal/jobs"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/pty"
	"github.com/wingedpig/arbor/internal/store"
	"github.com/wingedpig/arbor/internal/worker"
)

// fakeInstance is a scriptable PTY instance.
type fakeInstance struct {
	pid  int
	out  chan []byte
	exit chan pty.ExitStatus

	mu      sync.Mutex
	written []byte
	killed  bool

	closeOnce sync.Once
}

func newFakeInstance(pid int) *fakeInstance {
	return &fakeInstance{
		pid:  pid,
		out:  make(chan []byte, 16),
		exit: make(chan pty.ExitStatus, 1),
	}
}

func (f *fakeInstance) Pid() int { return f.pid }

func (f *fakeInstance) Output() <-chan []byte { return f.out }

func (f *fakeInstance) Exit() <-chan pty.ExitStatus { return f.exit }

func (f *fakeInstance) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return nil
}

func (f *fakeInstance) Resize(cols, rows uint16) error { return nil }

func (f *fakeInstance) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.finish(pty.ExitStatus{ExitCode: 1, Signal: "killed"})
	return nil
}

func (f *fakeInstance) emit(s string) { f.out <- []byte(s) }

func (f *fakeInstance) finish(st pty.ExitStatus) {
	f.closeOnce.Do(func() {
		close(f.out)
		f.exit <- st
		close(f.exit)
	})
}

func (f *fakeInstance) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

// fakeProvider hands out a fresh instance per spawn and records specs.
type fakeProvider struct {
	mu        sync.Mutex
	specs     []pty.SpawnSpec
	instances []*fakeInstance
	spawnErr  error
}

func (p *fakeProvider) Spawn(spec pty.SpawnSpec) (pty.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spawnErr != nil {
		return nil, p.spawnErr
	}
	p.specs = append(p.specs, spec)
	inst := newFakeInstance(1000 + len(p.specs))
	p.instances = append(p.instances, inst)
	return inst, nil
}

func (p *fakeProvider) spawnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.specs)
}

func (p *fakeProvider) lastSpec() pty.SpawnSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specs[len(p.specs)-1]
}

func (p *fakeProvider) lastInstance() *fakeInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[len(p.instances)-1]
}

func (p *fakeProvider) setSpawnErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawnErr = err
}

// fakeNotifier records notification hooks.
type fakeNotifier struct {
	mu       sync.Mutex
	activity []string
	dropped  []string
}

func (n *fakeNotifier) HandleActivity(sessionID, workerID string, state activity.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.activity = append(n.activity, workerID+":"+string(state))
}

func (n *fakeNotifier) DropWorkerState(sessionID, workerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped = append(n.dropped, sessionID+"/"+workerID)
}

func (n *fakeNotifier) droppedKeys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.dropped...)
}

// fakeWatchers records stop requests from git-diff teardown.
type fakeWatchers struct {
	mu      sync.Mutex
	stopped []string
}

func (w *fakeWatchers) Stop(workerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = append(w.stopped, workerID)
}

func (w *fakeWatchers) stoppedIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.stopped...)
}

// fakeGit scripts branch operations.
type fakeGit struct {
	gitx.RealRunner
	mu      sync.Mutex
	current string
	renames []string
}

func (g *fakeGit) CurrentBranch(ctx context.Context, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, nil
}

func (g *fakeGit) RenameBranch(ctx context.Context, path, from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.renames = append(g.renames, from+"->"+to)
	g.current = to
	return nil
}

// testEnv bundles a fully wired manager over fakes and temp storage.
type testEnv struct {
	mgr      *Manager
	lc       *Lifecycle
	store    *store.Store
	registry *agents.Registry
	output   *output.Manager
	provider *fakeProvider
	notifier *fakeNotifier
	watchers *fakeWatchers
	git      *fakeGit
	queue    *jobs.Queue
	home     string

	pathMu      sync.Mutex
	missingPath map[string]bool

	aliveMu sync.Mutex
	alive   map[int]bool
	killedP []int
}

func (e *testEnv) setPathMissing(path string, missing bool) {
	e.pathMu.Lock()
	defer e.pathMu.Unlock()
	e.missingPath[path] = missing
}

func (e *testEnv) killedPids() []int {
	e.aliveMu.Lock()
	defer e.aliveMu.Unlock()
	return append([]int(nil), e.killedP...)
}

type envOption func(*envConfig)

type envConfig struct {
	withQueue bool
	seed      func(*store.Store)
	alive     map[int]bool
}

func withQueue() envOption {
	return func(c *envConfig) { c.withQueue = true }
}

func withSeed(fn func(*store.Store)) envOption {
	return func(c *envConfig) { c.seed = fn }
}

func withAlive(pids map[int]bool) envOption {
	return func(c *envConfig) { c.alive = pids }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	var cfg envConfig
	for _, o := range opts {
		o(&cfg)
	}

	home := t.TempDir()
	st, err := store.Open(filepath.Join(home, "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if cfg.seed != nil {
		cfg.seed(st)
	}

	registry, err := agents.NewRegistry(st)
	require.NoError(t, err)

	out := output.NewManager(output.Config{
		BaseDir:       filepath.Join(home, "outputs"),
		FlushInterval: 10 * time.Millisecond,
	})
	provider := &fakeProvider{}
	workers := worker.NewManager(provider, out, worker.Config{DefaultShell: "/bin/sh"})

	env := &testEnv{
		store:       st,
		registry:    registry,
		output:      out,
		provider:    provider,
		notifier:    &fakeNotifier{},
		watchers:    &fakeWatchers{},
		git:         &fakeGit{current: "main"},
		home:        home,
		missingPath: make(map[string]bool),
		alive:       cfg.alive,
	}

	var queue *jobs.Queue
	if cfg.withQueue {
		queue = jobs.New(st, jobs.Config{PollInterval: 10 * time.Millisecond})
	}
	env.queue = queue

	mgr, err := NewManager(Options{
		Store:    st,
		Workers:  workers,
		Output:   out,
		Git:      env.git,
		Agents:   registry,
		Queue:    queue,
		Notifier: env.notifier,
		Watchers: env.watchers,
		PathExists: func(path string) bool {
			env.pathMu.Lock()
			defer env.pathMu.Unlock()
			return !env.missingPath[path]
		},
		Alive: func(pid int) bool {
			env.aliveMu.Lock()
			defer env.aliveMu.Unlock()
			return env.alive[pid]
		},
		KillPid: func(pid int) error {
			env.aliveMu.Lock()
			defer env.aliveMu.Unlock()
			env.killedP = append(env.killedP, pid)
			return nil
		},
		ServerPid: 4242,
	})
	require.NoError(t, err)
	env.mgr = mgr
	env.lc = NewLifecycle(mgr)
	return env
}

func (e *testEnv) createSession(t *testing.T) View {
	t.Helper()
	view, err := e.mgr.CreateSession(CreateRequest{Type: TypeQuick, LocationPath: e.home})
	require.NoError(t, err)
	return view
}

func seedSession(st *store.Store, id string, serverPid *int, workers ...store.Worker) {
	now := time.Now().UTC()
	sess := store.Session{
		ID:           id,
		Type:         TypeQuick,
		LocationPath: "/tmp",
		ServerPid:    serverPid,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range workers {
		workers[i].SessionID = id
		if workers[i].CreatedAt.IsZero() {
			workers[i].CreatedAt = now
			workers[i].UpdatedAt = now
		}
	}
	if err := st.SaveSession(sess, workers); err != nil {
		panic(err)
	}
}

func TestLoadHibernatesWorkers(t *testing.T) {
	env := newTestEnv(t, withSeed(func(st *store.Store) {
		pid := 555
		seedSession(st, "sess-1", nil, store.Worker{ID: "w-1", Type: "agent", Name: "Claude Code", AgentID: "claude-code-builtin", Pid: &pid})
	}))

	view, ok := env.mgr.GetView("sess-1")
	require.True(t, ok)
	require.Len(t, view.Workers, 1)
	assert.False(t, view.Workers[0].Active)

	// Nothing spawned at load.
	assert.Equal(t, 0, env.provider.spawnCount())
}

func TestOrphanReclamationKillsDeadOwnersWorkers(t *testing.T) {
	env := newTestEnv(t,
		withAlive(map[int]bool{111: true, 333: true}),
		withSeed(func(st *store.Store) {
			livePid := 111
			deadPid := 222
			wPidLive := 333
			wPidDead := 444
			// Owned by a live foreign server: untouched.
			seedSession(st, "sess-live", &livePid, store.Worker{ID: "w-a", Type: "terminal", Name: "Terminal 1", Pid: &wPidLive})
			// Owned by a dead server: reclaimed, live child killed.
			seedSession(st, "sess-dead", &deadPid,
				store.Worker{ID: "w-b", Type: "terminal", Name: "Terminal 1", Pid: &wPidLive},
				store.Worker{ID: "w-c", Type: "agent", Name: "Agent", Pid: &wPidDead})
		}))

	// The live foreign session keeps its owner.
	row, err := env.store.GetSession("sess-live")
	require.NoError(t, err)
	require.NotNil(t, row.ServerPid)
	assert.Equal(t, 111, *row.ServerPid)

	// The dead-owned session is hibernated and its live worker killed.
	row, err = env.store.GetSession("sess-dead")
	require.NoError(t, err)
	assert.Nil(t, row.ServerPid)
	assert.Equal(t, []int{333}, env.killedPids())

	workers, err := env.store.ListWorkers("sess-dead")
	require.NoError(t, err)
	for _, w := range workers {
		assert.Nil(t, w.Pid)
	}
}

func TestLegacySessionWithoutServerPidPreserved(t *testing.T) {
	env := newTestEnv(t, withSeed(func(st *store.Store) {
		pid := 999
		seedSession(st, "sess-legacy", nil, store.Worker{ID: "w-1", Type: "agent", Name: "Agent", Pid: &pid})
	}))

	// Preserved: no kills, pid row untouched.
	assert.Empty(t, env.killedPids())
	workers, err := env.store.ListWorkers("sess-legacy")
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.NotNil(t, workers[0].Pid)
	assert.Equal(t, 999, *workers[0].Pid)

	_, ok := env.mgr.GetView("sess-legacy")
	assert.True(t, ok)
}

func TestCreateSessionValidatesPath(t *testing.T) {
	env := newTestEnv(t)
	env.setPathMissing("/definitely/not/a/real/path", true)

	_, err := env.mgr.CreateSession(CreateRequest{Type: TypeQuick, LocationPath: "/definitely/not/a/real/path"})
	require.Error(t, err)

	var pnf *PathNotFoundError
	require.True(t, errors.As(err, &pnf))
	assert.Equal(t, "Path does not exist: /definitely/not/a/real/path", err.Error())
}

func TestCreateSessionPersistsAndStampsOwner(t *testing.T) {
	env := newTestEnv(t)

	view := env.createSession(t)
	require.NotNil(t, view.ServerPid)
	assert.Equal(t, 4242, *view.ServerPid)

	row, err := env.store.GetSession(view.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.NotNil(t, row.ServerPid)
	assert.Equal(t, 4242, *row.ServerPid)
}

func TestCreateSessionRejectsBadType(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.CreateSession(CreateRequest{Type: "weird", LocationPath: env.home})
	assert.ErrorContains(t, err, "invalid session type")
}

func TestPatchSession(t *testing.T) {
	env := newTestEnv(t)
	view := env.createSession(t)

	var updated []View
	env.mgr.SetLifecycleCallbacks(LifecycleCallbacks{
		OnSessionUpdated: func(v View) { updated = append(updated, v) },
	})

	title := "Renamed"
	got, err := env.mgr.PatchSession(view.ID, Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	row, err := env.store.GetSession(view.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", row.Title)

	require.Len(t, updated, 1)
	assert.Equal(t, "Renamed", updated[0].Title)

	_, err = env.mgr.PatchSession("missing", Patch{Title: &title})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteSessionKillsWorkersAndRemovesState(t *testing.T) {
	env := newTestEnv(t)
	view := env.createSession(t)

	_, err := env.lc.CreateWorker(view.ID, CreateWorkerRequest{Type: worker.TypeTerminal}, false, "")
	require.NoError(t, err)
	inst := env.provider.lastInstance()

	var deleted []string
	env.mgr.SetLifecycleCallbacks(LifecycleCallbacks{
		OnSessionDeleted: func(id string) { deleted = append(deleted, id) },
	})

	require.NoError(t, env.mgr.DeleteSession(view.ID))

	assert.True(t, inst.wasKilled())
	assert.Equal(t, []string{view.ID}, deleted)
	assert.NotEmpty(t, env.notifier.droppedKeys())

	row, err := env.store.GetSession(view.ID)
	require.NoError(t, err)
	assert.Nil(t, row)

	workers, err := env.store.ListWorkers(view.ID)
	require.NoError(t, err)
	assert.Empty(t, workers)

	_, ok := env.mgr.GetView(view.ID)
	assert.False(t, ok)

	assert.ErrorIs(t, env.mgr.DeleteSession(view.ID), ErrSessionNotFound)
}

func TestListViewsSortedByCreation(t *testing.T) {
	env := newTestEnv(t)

	first := env.createSession(t)
	time.Sleep(5 * time.Millisecond)
	second := env.createSession(t)

	views := env.mgr.ListViews()
	require.Len(t, views, 2)
	assert.Equal(t, first.ID, views[0].ID)
	assert.Equal(t, second.ID, views[1].ID)
}

func TestGlobalActivityCallbackAndNotifier(t *testing.T) {
	env := newTestEnv(t)

	var (
		mu     sync.Mutex
		events []string
	)
	env.mgr.SetGlobalActivityCallback(func(sessionID, workerID string, state activity.State) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, workerID+":"+string(state))
	})

	env.mgr.handleActivity("sess-1", "w-1", activity.StateActive)

	mu.Lock()
	assert.Equal(t, []string{"w-1:active"}, events)
	mu.Unlock()

	env.notifier.mu.Lock()
	assert.Equal(t, []string{"w-1:active"}, env.notifier.activity)
	env.notifier.mu.Unlock()
}
