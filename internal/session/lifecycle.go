// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/jobs"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/worker"
)

const gitOpTimeout = 10 * time.Second

// Lifecycle provides the session-aware worker operations: create, delete,
// restart, restore, and the attach/input/history delegations used by the
// WebSocket layer.
type Lifecycle struct {
	m *Manager

	// restoreMu serializes restore-time activation so a storm of
	// simultaneous attaches spawns exactly one PTY per worker.
	restoreMu sync.Mutex
}

// NewLifecycle builds the lifecycle manager over the session manager.
func NewLifecycle(m *Manager) *Lifecycle {
	return &Lifecycle{m: m}
}

// CreateWorkerRequest describes a worker to add to a session.
type CreateWorkerRequest struct {
	Type       worker.Type `json:"type"`
	Name       string      `json:"name,omitempty"`
	AgentID    string      `json:"agentId,omitempty"`
	BaseCommit string      `json:"baseCommit,omitempty"`
}

// CreateWorker adds a worker to the session, initializes its scrollback
// file, and for PTY types activates it immediately. The scrollback file
// exists before this returns so concurrent attaches never see a missing
// file.
func (l *Lifecycle) CreateWorker(sessionID string, req CreateWorkerRequest, continueConversation bool, initialPrompt string) (worker.View, error) {
	m := l.m

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return worker.View{}, ErrSessionNotFound
	}
	locationPath := sess.LocationPath
	repositoryID := sess.RepositoryID
	terminalCount := sess.countWorkers(worker.TypeTerminal)
	m.mu.RUnlock()

	var (
		agentID        string
		agentName      string
		command        string
		askingPatterns []string
	)
	switch req.Type {
	case worker.TypeAgent, worker.TypeSDK:
		def, err := m.opts.Agents.Resolve(req.AgentID)
		if err != nil {
			return worker.View{}, fmt.Errorf("resolving agent: %w", err)
		}
		agentID = def.ID
		agentName = def.Name
		askingPatterns = agents.AskingPatterns(def)
		command = agents.CommandFor(def, agents.CommandOptions{
			Prompt:   initialPrompt,
			Continue: continueConversation,
			Headless: req.Type == worker.TypeSDK,
		})
	case worker.TypeTerminal, worker.TypeGitDiff:
	default:
		return worker.View{}, fmt.Errorf("invalid worker type %q", req.Type)
	}

	name := req.Name
	if name == "" {
		switch req.Type {
		case worker.TypeAgent, worker.TypeSDK:
			name = agentName
		case worker.TypeTerminal:
			name = fmt.Sprintf("Terminal %d", terminalCount+1)
		case worker.TypeGitDiff:
			name = "Git Diff"
		}
	}

	var w *worker.Worker
	switch req.Type {
	case worker.TypeAgent:
		w = m.opts.Workers.InitializeAgentWorker(worker.AgentWorkerSpec{Name: name, AgentID: agentID})
	case worker.TypeTerminal:
		w = m.opts.Workers.InitializeTerminalWorker(worker.TerminalWorkerSpec{Name: name})
	case worker.TypeGitDiff:
		w = m.opts.Workers.InitializeGitDiffWorker(worker.GitDiffWorkerSpec{Name: name, BaseCommit: req.BaseCommit})
	case worker.TypeSDK:
		w = m.opts.Workers.InitializeSDKWorker(worker.SDKWorkerSpec{Name: name, AgentID: agentID})
	}

	if req.Type != worker.TypeGitDiff {
		if err := m.opts.Output.InitializeWorkerOutput(sessionID, w.ID); err != nil {
			return worker.View{}, fmt.Errorf("initializing worker output: %w", err)
		}
	}

	if req.Type.IsPty() {
		actx := worker.ActivationContext{
			SessionID:    sessionID,
			LocationPath: locationPath,
			Env:          l.repositoryEnv(repositoryID),
		}
		var err error
		if req.Type == worker.TypeAgent {
			actx.Command = command
			actx.AskingPatterns = askingPatterns
			err = m.opts.Workers.ActivateAgentPty(w, actx)
		} else {
			err = m.opts.Workers.ActivateTerminalPty(w, actx)
		}
		if err != nil {
			return worker.View{}, err
		}
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		// The session was deleted while we were spawning.
		m.opts.Workers.Kill(w)
		return worker.View{}, ErrSessionNotFound
	}
	sess.Workers = append(sess.Workers, w)
	sess.UpdatedAt = time.Now().UTC()
	view := sess.view()
	if err := m.persistLocked(sess); err != nil {
		m.mu.Unlock()
		return worker.View{}, err
	}
	m.mu.Unlock()

	if cb := m.lifecycleCallbacks().OnSessionUpdated; cb != nil {
		cb(view)
	}
	return w.View(), nil
}

// DeleteWorker kills the worker, schedules its scrollback file for
// cleanup, and removes it from the session. Cleanup must be durable, so a
// missing job queue is an error.
func (l *Lifecycle) DeleteWorker(sessionID, workerID string) error {
	m := l.m

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return ErrSessionNotFound
	}
	w := sess.findWorker(workerID)
	m.mu.RUnlock()
	if w == nil {
		return ErrWorkerNotFound
	}

	if w.Type == worker.TypeGitDiff {
		if m.opts.Watchers != nil {
			m.opts.Watchers.Stop(workerID)
		}
	} else {
		m.opts.Workers.Kill(w)
	}

	if w.Type != worker.TypeGitDiff {
		if m.opts.Queue == nil {
			return ErrJobQueueUnavailable
		}
		_, err := m.opts.Queue.Enqueue(jobs.TypeCleanupWorkerOutput, jobs.CleanupWorkerOutputPayload{
			SessionID: sessionID,
			WorkerID:  workerID,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrJobQueueUnavailable, err)
		}
	}

	if m.opts.Notifier != nil {
		m.opts.Notifier.DropWorkerState(sessionID, workerID)
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	sess.removeWorker(workerID)
	sess.UpdatedAt = time.Now().UTC()
	view := sess.view()
	err := m.persistLocked(sess)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if cb := m.lifecycleCallbacks().OnSessionUpdated; cb != nil {
		cb(view)
	}
	return nil
}

// RestartRequest tunes an agent worker restart.
type RestartRequest struct {
	ContinueConversation bool   `json:"continueConversation"`
	AgentID              string `json:"agentId,omitempty"`
	Branch               string `json:"branch,omitempty"`
}

// RestartAgentWorker replaces the agent's process with a fresh one,
// keeping the worker id and creation time so clients keep their tab
// order. The scrollback file is reset; offsets from before the restart no
// longer apply.
func (l *Lifecycle) RestartAgentWorker(sessionID, workerID string, req RestartRequest) (worker.View, error) {
	m := l.m

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return worker.View{}, ErrSessionNotFound
	}
	w := sess.findWorker(workerID)
	locationPath := sess.LocationPath
	repositoryID := sess.RepositoryID
	sessType := sess.Type
	initialPrompt := sess.InitialPrompt
	m.mu.RUnlock()

	if w == nil {
		return worker.View{}, ErrWorkerNotFound
	}
	if w.Type != worker.TypeAgent {
		return worker.View{}, fmt.Errorf("worker %s is not an agent", workerID)
	}

	agentID := w.AgentID()
	name := w.View().Name
	agentChanged := false
	if req.AgentID != "" && req.AgentID != agentID {
		def, err := m.opts.Agents.Get(req.AgentID)
		if err != nil {
			return worker.View{}, fmt.Errorf("agent %s is not registered", req.AgentID)
		}
		agentID = def.ID
		name = def.Name
		agentChanged = true
	}

	branchChanged, err := l.maybeRenameBranch(sessionID, sessType, locationPath, req.Branch)
	if err != nil {
		return worker.View{}, err
	}

	m.opts.Workers.Kill(w)
	if err := m.opts.Output.ResetWorkerOutput(sessionID, workerID); err != nil {
		log.Printf("Lifecycle: resetting output for worker %s: %v", workerID, err)
	}

	def, err := m.opts.Agents.Resolve(agentID)
	if err != nil {
		return worker.View{}, fmt.Errorf("resolving agent: %w", err)
	}
	fresh := m.opts.Workers.InitializeAgentWorker(worker.AgentWorkerSpec{
		ID:        w.ID,
		Name:      name,
		AgentID:   def.ID,
		CreatedAt: w.CreatedAt,
	})
	actx := worker.ActivationContext{
		SessionID:      sessionID,
		LocationPath:   locationPath,
		Env:            l.repositoryEnv(repositoryID),
		Command:        agents.CommandFor(def, agents.CommandOptions{Prompt: initialPrompt, Continue: req.ContinueConversation}),
		AskingPatterns: agents.AskingPatterns(def),
	}
	if err := m.opts.Workers.ActivateAgentPty(fresh, actx); err != nil {
		return worker.View{}, err
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		// Deleted during the restart gap; do not leak the new process.
		m.opts.Workers.Kill(fresh)
		return worker.View{}, ErrSessionNotFound
	}
	sess.replaceWorker(workerID, fresh)
	sess.UpdatedAt = time.Now().UTC()
	view := sess.view()
	err = m.persistLocked(sess)
	m.mu.Unlock()
	if err != nil {
		return worker.View{}, err
	}

	if agentChanged || branchChanged {
		if cb := m.lifecycleCallbacks().OnSessionUpdated; cb != nil {
			cb(view)
		}
	}
	return fresh.View(), nil
}

// maybeRenameBranch renames the session's current branch when the caller
// asked for a different name. Returns whether anything changed.
func (l *Lifecycle) maybeRenameBranch(sessionID, sessType, locationPath, branch string) (bool, error) {
	if branch == "" || sessType != TypeWorktree || l.m.opts.Git == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gitOpTimeout)
	defer cancel()

	current, err := l.m.opts.Git.CurrentBranch(ctx, locationPath)
	if err != nil {
		return false, fmt.Errorf("reading current branch: %w", err)
	}
	if current == branch {
		return false, nil
	}
	if err := l.m.opts.Git.RenameBranch(ctx, locationPath, current, branch); err != nil {
		return false, fmt.Errorf("renaming branch %s to %s: %w", current, branch, err)
	}

	l.m.mu.Lock()
	if sess, ok := l.m.sessions[sessionID]; ok {
		sess.WorktreeID = branch
	}
	l.m.mu.Unlock()
	return true, nil
}

// RenameBranch renames the worktree session's current git branch and
// updates the stored branch name. Quick sessions and same-name renames are
// no-ops.
func (l *Lifecycle) RenameBranch(sessionID, branch string) (View, error) {
	m := l.m

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return View{}, ErrSessionNotFound
	}
	sessType := sess.Type
	locationPath := sess.LocationPath
	m.mu.RUnlock()

	changed, err := l.maybeRenameBranch(sessionID, sessType, locationPath, branch)
	if err != nil {
		return View{}, err
	}

	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return View{}, ErrSessionNotFound
	}
	if changed {
		sess.UpdatedAt = time.Now().UTC()
	}
	view := sess.view()
	var perr error
	if changed {
		perr = m.persistLocked(sess)
	}
	m.mu.Unlock()
	if perr != nil {
		return View{}, perr
	}

	if changed {
		if cb := m.lifecycleCallbacks().OnSessionUpdated; cb != nil {
			cb(view)
		}
	}
	return view, nil
}

// RestoreResult reports the outcome of a restore attempt. ErrorCode is
// empty on success; WasRestored is true only when this call spawned the
// PTY.
type RestoreResult struct {
	WasRestored bool
	Worker      worker.View
	ErrorCode   string
}

// RestoreWorker brings a hibernated PTY worker back to life on first
// attach. Clients that observe wasRestored=true must invalidate any
// cached scrollback offsets.
func (l *Lifecycle) RestoreWorker(sessionID, workerID string) RestoreResult {
	l.restoreMu.Lock()
	defer l.restoreMu.Unlock()

	m := l.m
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return RestoreResult{ErrorCode: CodeWorkerNotFound}
	}
	w := sess.findWorker(workerID)
	locationPath := sess.LocationPath
	repositoryID := sess.RepositoryID
	initialPrompt := sess.InitialPrompt
	m.mu.RUnlock()

	if w == nil || w.Type == worker.TypeGitDiff {
		return RestoreResult{ErrorCode: CodeWorkerNotFound}
	}
	if !w.Type.IsPty() {
		// SDK workers have no PTY to restore; they are always attachable.
		return RestoreResult{WasRestored: false, Worker: w.View()}
	}
	if w.HasPty() {
		return RestoreResult{WasRestored: false, Worker: w.View()}
	}

	if !m.opts.PathExists(locationPath) {
		return RestoreResult{ErrorCode: CodePathNotFound}
	}

	actx := worker.ActivationContext{
		SessionID:    sessionID,
		LocationPath: locationPath,
		Env:          l.repositoryEnv(repositoryID),
	}
	var err error
	if w.Type == worker.TypeAgent {
		def, rerr := m.opts.Agents.Resolve(w.AgentID())
		if rerr != nil {
			log.Printf("Lifecycle: resolving agent for worker %s: %v", workerID, rerr)
			return RestoreResult{ErrorCode: CodeActivationFailed}
		}
		actx.Command = agents.CommandFor(def, agents.CommandOptions{Prompt: initialPrompt, Continue: true})
		actx.AskingPatterns = agents.AskingPatterns(def)
		err = m.opts.Workers.ActivateAgentPty(w, actx)
	} else {
		err = m.opts.Workers.ActivateTerminalPty(w, actx)
	}
	if err != nil {
		log.Printf("Lifecycle: restoring worker %s: %v", workerID, err)
		return RestoreResult{ErrorCode: CodeActivationFailed}
	}

	m.mu.Lock()
	if sess, ok := m.sessions[sessionID]; ok {
		pid := m.opts.ServerPid
		sess.ServerPid = &pid
		sess.UpdatedAt = time.Now().UTC()
		if err := m.persistLocked(sess); err != nil {
			log.Printf("Lifecycle: persisting restored worker %s: %v", workerID, err)
		}
	}
	m.mu.Unlock()

	if cb := m.lifecycleCallbacks().OnWorkerActivated; cb != nil {
		cb(sessionID, workerID)
	}
	return RestoreResult{WasRestored: true, Worker: w.View()}
}

// GetAvailableWorker returns a live PTY worker, restoring it if needed,
// or nil when the worker cannot be made live.
func (l *Lifecycle) GetAvailableWorker(sessionID, workerID string) *worker.Worker {
	w := l.findWorker(sessionID, workerID)
	if w == nil || !w.Type.IsPty() {
		return nil
	}
	if w.HasPty() {
		return w
	}
	if res := l.RestoreWorker(sessionID, workerID); res.WasRestored {
		return w
	}
	return nil
}

// AttachWorkerCallbacks registers a delivery set on the worker. Git-diff
// workers take no callbacks; their updates flow through the watcher hub.
func (l *Lifecycle) AttachWorkerCallbacks(sessionID, workerID string, cbs *worker.ConnectionCallbacks) (string, bool) {
	w := l.findWorker(sessionID, workerID)
	if w == nil || w.Type == worker.TypeGitDiff {
		return "", false
	}
	return l.m.opts.Workers.AttachCallbacks(w, cbs), true
}

// DetachWorkerCallbacks removes one connection's delivery set.
func (l *Lifecycle) DetachWorkerCallbacks(sessionID, workerID, connectionID string) bool {
	w := l.findWorker(sessionID, workerID)
	if w == nil {
		return false
	}
	return l.m.opts.Workers.DetachCallbacks(w, connectionID)
}

// WriteWorkerInput forwards keystrokes to the worker's PTY.
func (l *Lifecycle) WriteWorkerInput(sessionID, workerID string, p []byte) error {
	w := l.findWorker(sessionID, workerID)
	if w == nil {
		return ErrWorkerNotFound
	}
	return l.m.opts.Workers.WriteInput(w, p)
}

// ResizeWorker resizes the worker's PTY.
func (l *Lifecycle) ResizeWorker(sessionID, workerID string, cols, rows uint16) error {
	w := l.findWorker(sessionID, workerID)
	if w == nil {
		return ErrWorkerNotFound
	}
	return l.m.opts.Workers.Resize(w, cols, rows)
}

// GetWorkerOutputHistory reads scrollback for the worker. With a zero
// offset and a line budget it returns the last maxLines lines; otherwise
// it returns everything from the byte offset.
func (l *Lifecycle) GetWorkerOutputHistory(sessionID, workerID string, fromOffset int64, maxLines int) (output.History, error) {
	w := l.findWorker(sessionID, workerID)
	if w == nil || w.Type == worker.TypeGitDiff {
		return output.History{}, ErrWorkerNotFound
	}
	if fromOffset == 0 && maxLines > 0 {
		return l.m.opts.Output.ReadLastNLines(sessionID, workerID, maxLines)
	}
	return l.m.opts.Output.ReadHistoryWithOffset(sessionID, workerID, fromOffset)
}

// WorkerRing returns the worker's in-memory output ring, the history
// fallback when the file path times out.
func (l *Lifecycle) WorkerRing(sessionID, workerID string) []byte {
	w := l.findWorker(sessionID, workerID)
	if w == nil {
		return nil
	}
	return l.m.opts.Workers.OutputRing(w)
}

// WorkerActivityState returns the agent worker's current activity state.
func (l *Lifecycle) WorkerActivityState(sessionID, workerID string) activity.State {
	w := l.findWorker(sessionID, workerID)
	if w == nil {
		return activity.StateUnknown
	}
	return l.m.opts.Workers.ActivityState(w)
}

// SetWorkerBaseCommit updates a git-diff worker's comparison base and
// persists it.
func (l *Lifecycle) SetWorkerBaseCommit(sessionID, workerID, commit string) error {
	m := l.m
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	w := sess.findWorker(workerID)
	if w == nil || w.Type != worker.TypeGitDiff {
		m.mu.Unlock()
		return ErrWorkerNotFound
	}
	w.SetBaseCommit(commit)
	sess.UpdatedAt = time.Now().UTC()
	err := m.persistLocked(sess)
	m.mu.Unlock()
	return err
}

// Worker returns the runtime worker, used by the WebSocket layer for
// direct callback attachment.
func (l *Lifecycle) Worker(sessionID, workerID string) (*worker.Worker, bool) {
	w := l.findWorker(sessionID, workerID)
	return w, w != nil
}

func (l *Lifecycle) findWorker(sessionID, workerID string) *worker.Worker {
	l.m.mu.RLock()
	defer l.m.mu.RUnlock()
	sess, ok := l.m.sessions[sessionID]
	if !ok {
		return nil
	}
	return sess.findWorker(workerID)
}

// repositoryEnv returns the env vars configured on the session's
// repository, nil when there is none.
func (l *Lifecycle) repositoryEnv(repositoryID string) map[string]string {
	if repositoryID == "" {
		return nil
	}
	repo, err := l.m.opts.Store.GetRepository(repositoryID)
	if err != nil || repo == nil {
		if err != nil {
			log.Printf("Lifecycle: loading repository %s: %v", repositoryID, err)
		}
		return nil
	}
	return repo.EnvVars
}
