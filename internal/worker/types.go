// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package worker implements session-agnostic PTY worker lifecycle:
// initialization, activation, callback fan-out, input, resize, kill.
package worker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/pty"
)

// Type discriminates the worker variants.
type Type string

const (
	TypeAgent    Type = "agent"
	TypeTerminal Type = "terminal"
	TypeGitDiff  Type = "git-diff"
	TypeSDK      Type = "sdk"
)

// IsPty reports whether the type runs a child process under a PTY.
func (t Type) IsPty() bool {
	return t == TypeAgent || t == TypeTerminal
}

// ConnectionCallbacks is one client connection's delivery set. Nil members
// are skipped during fan-out.
type ConnectionCallbacks struct {
	OnData           func(p []byte)
	OnExit           func(exitCode int, signal string)
	OnActivityChange func(state activity.State)
}

// SDKMessage is one message exchanged with an SDK-driven agent.
type SDKMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SDKRunner drives one SDK agent query. Run streams messages through
// onMessage until the query finishes and returns the SDK session id.
type SDKRunner interface {
	Run(ctx context.Context, sdkSessionID, prompt string, onMessage func(SDKMessage)) (string, error)
}

// Worker is one execution context within a session. Fields past the mutex
// are guarded by it.
type Worker struct {
	ID        string
	Type      Type
	Name      string
	CreatedAt time.Time

	mu        sync.Mutex
	sessionID string
	pty       pty.Instance // nil while hibernated
	pid       int
	agentID   string
	detector  *activity.Detector
	callbacks map[string]*ConnectionCallbacks
	ring      *Ring

	// git-diff
	baseCommit string

	// sdk
	sdkSessionID string
	messages     []SDKMessage
	abort        context.CancelFunc
	isRunning    bool
}

// View is the public projection of a worker, safe to serialize and share.
type View struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Name          string    `json:"name"`
	AgentID       string    `json:"agentId,omitempty"`
	BaseCommit    string    `json:"baseCommit,omitempty"`
	ActivityState string    `json:"activityState,omitempty"`
	Active        bool      `json:"active"`
	Pid           int       `json:"pid,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// View returns a value snapshot of the worker.
func (w *Worker) View() View {
	w.mu.Lock()
	v := View{
		ID:         w.ID,
		Type:       w.Type,
		Name:       w.Name,
		AgentID:    w.agentID,
		BaseCommit: w.baseCommit,
		Active:     w.pty != nil || w.isRunning,
		Pid:        w.pid,
		CreatedAt:  w.CreatedAt,
	}
	det := w.detector
	w.mu.Unlock()
	// The detector takes its own lock; query it outside ours.
	if det != nil {
		v.ActivityState = string(det.State())
	}
	return v
}

// SessionID returns the owning session recorded at activation time.
func (w *Worker) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Pid returns the recorded child pid, zero when never activated.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// AgentID returns the agent definition id for agent and SDK workers.
func (w *Worker) AgentID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agentID
}

// BaseCommit returns the git-diff worker's comparison base.
func (w *Worker) BaseCommit() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.baseCommit
}

// SetBaseCommit updates the git-diff worker's comparison base.
func (w *Worker) SetBaseCommit(commit string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.baseCommit = commit
}

// HasPty reports whether a live PTY is attached.
func (w *Worker) HasPty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pty != nil
}

// Messages returns a copy of an SDK worker's message log.
func (w *Worker) Messages() []SDKMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]SDKMessage, len(w.messages))
	copy(out, w.messages)
	return out
}

// snapshotCallbacks returns a stable copy for iteration; attach and detach
// during fan-out cannot invalidate it.
func (w *Worker) snapshotCallbacks() []*ConnectionCallbacks {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*ConnectionCallbacks, 0, len(w.callbacks))
	for _, id := range w.callbackOrder() {
		out = append(out, w.callbacks[id])
	}
	return out
}

// callbackOrder gives a stable iteration order within a single broadcast.
// Called with w.mu held.
func (w *Worker) callbackOrder() []string {
	ids := make([]string, 0, len(w.callbacks))
	for id := range w.callbacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
