// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ps "github.com/mitchellh/go-ps"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/gitx"
	"github.com/wingedpig/arbor/internal/jobs"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/store"
	"github.com/wingedpig/arbor/internal/worker"
)

// Notifier receives worker-level notification hooks. The notify manager
// implements it; tests substitute fakes.
type Notifier interface {
	HandleActivity(sessionID, workerID string, state activity.State)
	DropWorkerState(sessionID, workerID string)
}

// Watchers stops per-worker file watchers, implemented by the git-diff
// hub.
type Watchers interface {
	Stop(workerID string)
}

// LifecycleCallbacks fan session changes out to the app channel. All
// callbacks run outside the manager lock.
type LifecycleCallbacks struct {
	OnSessionCreated  func(View)
	OnSessionUpdated  func(View)
	OnSessionDeleted  func(sessionID string)
	OnWorkerActivated func(sessionID, workerID string)
}

// Options wires the session manager's collaborators. Store, Workers and
// Output are required; the rest default to real implementations or no-ops.
type Options struct {
	Store   *store.Store
	Workers *worker.Manager
	Output  *output.Manager
	Git     gitx.Runner
	Agents  *agents.Registry
	Queue   *jobs.Queue

	Notifier Notifier
	Watchers Watchers

	// Test seams. Defaults query and signal real processes and the real
	// filesystem.
	PathExists func(path string) bool
	Alive      func(pid int) bool
	KillPid    func(pid int) error
	ServerPid  int
}

func (o Options) withDefaults() Options {
	if o.PathExists == nil {
		o.PathExists = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}
	if o.Alive == nil {
		o.Alive = func(pid int) bool {
			p, err := ps.FindProcess(pid)
			return err == nil && p != nil
		}
	}
	if o.KillPid == nil {
		o.KillPid = func(pid int) error {
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			return proc.Kill()
		}
	}
	if o.ServerPid == 0 {
		o.ServerPid = os.Getpid()
	}
	return o
}

// Manager owns the session map. All mutation goes through its methods;
// broadcast callbacks always fire after the lock is released.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session

	cbMu       sync.Mutex
	callbacks  LifecycleCallbacks
	activityCb func(sessionID, workerID string, state activity.State)
}

// NewManager loads persisted sessions, reclaims orphans left by dead
// server processes, and returns the manager. Workers load hibernated; no
// PTY spawns until a client attaches.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	m.opts.Workers.ActivityCallback = m.handleActivity
	return m, nil
}

func (m *Manager) load() error {
	rows, err := m.opts.Store.ListSessions()
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	reclaimed := 0
	for _, row := range rows {
		workerRows, err := m.opts.Store.ListWorkers(row.ID)
		if err != nil {
			return fmt.Errorf("loading workers for session %s: %w", row.ID, err)
		}
		if m.reclaimIfOrphaned(&row, workerRows) {
			reclaimed++
		}
		m.sessions[row.ID] = m.buildRuntime(row, workerRows)
	}
	if len(rows) > 0 {
		log.Printf("Session manager: loaded %d sessions (%d reclaimed from dead servers)", len(rows), reclaimed)
	}
	return nil
}

// reclaimIfOrphaned handles one persisted session whose owning server may
// be gone. A session is reclaimed only when its serverPid records a dead
// process: worker pids still alive are killed, pids are cleared and the
// session becomes hibernated. Live foreign owners are left alone, and
// legacy sessions without a serverPid are preserved without any kill.
func (m *Manager) reclaimIfOrphaned(row *store.Session, workerRows []store.Worker) bool {
	if row.ServerPid == nil {
		for _, wr := range workerRows {
			if wr.Pid != nil {
				log.Printf("Session manager: session %s has no server pid; preserving worker pid %d unkilled", row.ID, *wr.Pid)
			}
		}
		return false
	}
	if *row.ServerPid == m.opts.ServerPid {
		return false
	}
	if m.opts.Alive(*row.ServerPid) {
		return false
	}

	for i := range workerRows {
		wr := &workerRows[i]
		if wr.Pid == nil {
			continue
		}
		if m.opts.Alive(*wr.Pid) {
			if err := m.opts.KillPid(*wr.Pid); err != nil {
				log.Printf("Session manager: killing orphaned worker pid %d: %v", *wr.Pid, err)
			} else {
				log.Printf("Session manager: killed orphaned worker pid %d (session %s)", *wr.Pid, row.ID)
			}
		}
		wr.Pid = nil
	}
	row.ServerPid = nil
	if err := m.opts.Store.SaveSession(*row, workerRows); err != nil {
		log.Printf("Session manager: persisting reclaimed session %s: %v", row.ID, err)
	}
	return true
}

func (m *Manager) buildRuntime(row store.Session, workerRows []store.Worker) *Session {
	sess := &Session{
		ID:            row.ID,
		Type:          row.Type,
		LocationPath:  row.LocationPath,
		ServerPid:     row.ServerPid,
		InitialPrompt: row.InitialPrompt,
		Title:         row.Title,
		RepositoryID:  row.RepositoryID,
		WorktreeID:    row.WorktreeID,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	for _, wr := range workerRows {
		w := m.rehydrateWorker(wr)
		if w == nil {
			log.Printf("Session manager: dropping worker %s with unknown type %q", wr.ID, wr.Type)
			continue
		}
		sess.Workers = append(sess.Workers, w)
	}
	return sess
}

func (m *Manager) rehydrateWorker(row store.Worker) *worker.Worker {
	switch worker.Type(row.Type) {
	case worker.TypeAgent:
		return m.opts.Workers.InitializeAgentWorker(worker.AgentWorkerSpec{
			ID: row.ID, Name: row.Name, AgentID: row.AgentID, CreatedAt: row.CreatedAt,
		})
	case worker.TypeTerminal:
		return m.opts.Workers.InitializeTerminalWorker(worker.TerminalWorkerSpec{
			ID: row.ID, Name: row.Name, CreatedAt: row.CreatedAt,
		})
	case worker.TypeGitDiff:
		return m.opts.Workers.InitializeGitDiffWorker(worker.GitDiffWorkerSpec{
			ID: row.ID, Name: row.Name, BaseCommit: row.BaseCommit, CreatedAt: row.CreatedAt,
		})
	case worker.TypeSDK:
		return m.opts.Workers.InitializeSDKWorker(worker.SDKWorkerSpec{
			ID: row.ID, Name: row.Name, AgentID: row.AgentID, CreatedAt: row.CreatedAt,
		})
	default:
		return nil
	}
}

// SetLifecycleCallbacks installs the broadcast hooks. The WS router calls
// this once during wiring.
func (m *Manager) SetLifecycleCallbacks(cbs LifecycleCallbacks) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = cbs
}

// SetGlobalActivityCallback installs the fan-out hook for agent activity
// transitions.
func (m *Manager) SetGlobalActivityCallback(fn func(sessionID, workerID string, state activity.State)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.activityCb = fn
}

// handleActivity runs on the detector's callback path; it must not take
// the manager lock or call back into the worker manager.
func (m *Manager) handleActivity(sessionID, workerID string, state activity.State) {
	m.cbMu.Lock()
	fn := m.activityCb
	m.cbMu.Unlock()
	if fn != nil {
		fn(sessionID, workerID, state)
	}
	if m.opts.Notifier != nil {
		m.opts.Notifier.HandleActivity(sessionID, workerID, state)
	}
}

func (m *Manager) lifecycleCallbacks() LifecycleCallbacks {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return m.callbacks
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Type          string `json:"type"`
	LocationPath  string `json:"locationPath"`
	Title         string `json:"title,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	RepositoryID  string `json:"repositoryId,omitempty"`
	WorktreeID    string `json:"worktreeId,omitempty"`
}

// CreateSession registers a new session owned by this server process and
// persists it. Workers are added separately through the lifecycle manager.
func (m *Manager) CreateSession(req CreateRequest) (View, error) {
	if req.Type != TypeWorktree && req.Type != TypeQuick {
		return View{}, fmt.Errorf("invalid session type %q", req.Type)
	}
	if req.LocationPath == "" {
		return View{}, fmt.Errorf("locationPath is required")
	}
	if req.Type == TypeWorktree && strings.TrimSpace(req.WorktreeID) == "" {
		return View{}, fmt.Errorf("branch is required for worktree sessions")
	}
	if !m.opts.PathExists(req.LocationPath) {
		return View{}, &PathNotFoundError{Path: req.LocationPath}
	}

	now := time.Now().UTC()
	pid := m.opts.ServerPid
	sess := &Session{
		ID:            uuid.NewString(),
		Type:          req.Type,
		LocationPath:  req.LocationPath,
		ServerPid:     &pid,
		InitialPrompt: req.InitialPrompt,
		Title:         req.Title,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	view := sess.view()
	err := m.persistLocked(sess)
	m.mu.Unlock()
	if err != nil {
		return View{}, err
	}

	if cb := m.lifecycleCallbacks().OnSessionCreated; cb != nil {
		cb(view)
	}
	return view, nil
}

// Patch carries partial session updates. Nil fields are left unchanged.
type Patch struct {
	Title         *string `json:"title"`
	InitialPrompt *string `json:"initialPrompt"`
}

// PatchSession applies a patch and persists.
func (m *Manager) PatchSession(id string, p Patch) (View, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	if p.Title != nil {
		sess.Title = *p.Title
	}
	if p.InitialPrompt != nil {
		sess.InitialPrompt = *p.InitialPrompt
	}
	sess.UpdatedAt = time.Now().UTC()
	view := sess.view()
	err := m.persistLocked(sess)
	m.mu.Unlock()
	if err != nil {
		return View{}, err
	}

	if cb := m.lifecycleCallbacks().OnSessionUpdated; cb != nil {
		cb(view)
	}
	return view, nil
}

// DeleteSession kills every worker, removes the session's scrollback
// directory and deletes the persisted row. Worker rows cascade in the
// store.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	workers := make([]*worker.Worker, len(sess.Workers))
	copy(workers, sess.Workers)
	delete(m.sessions, id)
	m.mu.Unlock()

	for _, w := range workers {
		if w.Type == worker.TypeGitDiff {
			if m.opts.Watchers != nil {
				m.opts.Watchers.Stop(w.ID)
			}
		} else {
			m.opts.Workers.Kill(w)
		}
		if m.opts.Notifier != nil {
			m.opts.Notifier.DropWorkerState(id, w.ID)
		}
	}

	if err := m.opts.Output.DeleteSessionOutputs(id); err != nil {
		log.Printf("Session manager: deleting outputs for session %s: %v", id, err)
	}
	if err := m.opts.Store.DeleteSession(id); err != nil {
		return err
	}

	if cb := m.lifecycleCallbacks().OnSessionDeleted; cb != nil {
		cb(id)
	}
	return nil
}

// GetView returns a snapshot of one session.
func (m *Manager) GetView(id string) (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return View{}, false
	}
	return sess.view(), true
}

// ListViews returns snapshots of all sessions ordered by creation time.
func (m *Manager) ListViews() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	views := make([]View, 0, len(m.sessions))
	for _, sess := range m.sessions {
		views = append(views, sess.view())
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views
}

// persistLocked writes the session and its worker set to the store.
// Caller holds m.mu.
func (m *Manager) persistLocked(sess *Session) error {
	row := store.Session{
		ID:            sess.ID,
		Type:          sess.Type,
		LocationPath:  sess.LocationPath,
		ServerPid:     sess.ServerPid,
		InitialPrompt: sess.InitialPrompt,
		Title:         sess.Title,
		RepositoryID:  sess.RepositoryID,
		WorktreeID:    sess.WorktreeID,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
	}
	workerRows := make([]store.Worker, 0, len(sess.Workers))
	for _, w := range sess.Workers {
		v := w.View()
		wr := store.Worker{
			ID:         w.ID,
			SessionID:  sess.ID,
			Type:       string(w.Type),
			Name:       v.Name,
			AgentID:    v.AgentID,
			BaseCommit: v.BaseCommit,
			CreatedAt:  w.CreatedAt,
			UpdatedAt:  sess.UpdatedAt,
		}
		if v.Pid != 0 {
			pid := v.Pid
			wr.Pid = &pid
		}
		workerRows = append(workerRows, wr)
	}
	return m.opts.Store.SaveSession(row, workerRows)
}
