// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/pty"
)

// ErrNotActive is returned for input or resize on a hibernated worker.
var ErrNotActive = errors.New("worker has no active pty")

// Config holds worker manager tuning.
type Config struct {
	RingSize     int             // in-memory fallback buffer capacity
	DefaultShell string          // shell for terminal workers and agent commands
	DefaultCols  uint16          // initial PTY size
	DefaultRows  uint16
	Activity     activity.Config // detector tuning for agent workers
}

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = defaultRingSize
	}
	if c.DefaultShell == "" {
		c.DefaultShell = os.Getenv("SHELL")
		if c.DefaultShell == "" {
			c.DefaultShell = "/bin/bash"
		}
	}
	if c.DefaultCols == 0 {
		c.DefaultCols = 80
	}
	if c.DefaultRows == 0 {
		c.DefaultRows = 24
	}
	return c
}

// Manager performs low-level worker operations. It is session-agnostic:
// the owning session is only known to it through activation contexts.
type Manager struct {
	cfg      Config
	provider pty.Provider
	out      *output.Manager

	// ActivityCallback, when set, receives every agent activity transition.
	// Set once during wiring, before any worker is activated.
	ActivityCallback func(sessionID, workerID string, state activity.State)
}

// NewManager creates a worker manager on top of a PTY provider and the
// scrollback file manager.
func NewManager(provider pty.Provider, out *output.Manager, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		out:      out,
	}
}

// AgentWorkerSpec describes an agent worker to initialize.
type AgentWorkerSpec struct {
	ID        string
	Name      string
	AgentID   string
	CreatedAt time.Time
}

// TerminalWorkerSpec describes a terminal worker to initialize.
type TerminalWorkerSpec struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// GitDiffWorkerSpec describes a git-diff worker to initialize.
type GitDiffWorkerSpec struct {
	ID         string
	Name       string
	BaseCommit string
	CreatedAt  time.Time
}

// SDKWorkerSpec describes an SDK worker to initialize.
type SDKWorkerSpec struct {
	ID           string
	Name         string
	AgentID      string
	SDKSessionID string
	CreatedAt    time.Time
}

// InitializeAgentWorker allocates agent worker metadata. No child process
// is spawned until activation.
func (m *Manager) InitializeAgentWorker(spec AgentWorkerSpec) *Worker {
	w := newWorker(spec.ID, TypeAgent, spec.Name, spec.CreatedAt)
	w.agentID = spec.AgentID
	w.ring = NewRing(m.cfg.RingSize)
	return w
}

// InitializeTerminalWorker allocates terminal worker metadata.
func (m *Manager) InitializeTerminalWorker(spec TerminalWorkerSpec) *Worker {
	w := newWorker(spec.ID, TypeTerminal, spec.Name, spec.CreatedAt)
	w.ring = NewRing(m.cfg.RingSize)
	return w
}

// InitializeGitDiffWorker allocates git-diff worker metadata. Git-diff
// workers have no PTY and no scrollback.
func (m *Manager) InitializeGitDiffWorker(spec GitDiffWorkerSpec) *Worker {
	w := newWorker(spec.ID, TypeGitDiff, spec.Name, spec.CreatedAt)
	w.baseCommit = spec.BaseCommit
	return w
}

// InitializeSDKWorker allocates SDK worker metadata.
func (m *Manager) InitializeSDKWorker(spec SDKWorkerSpec) *Worker {
	w := newWorker(spec.ID, TypeSDK, spec.Name, spec.CreatedAt)
	w.agentID = spec.AgentID
	w.sdkSessionID = spec.SDKSessionID
	return w
}

func newWorker(id string, typ Type, name string, createdAt time.Time) *Worker {
	if id == "" {
		id = uuid.New().String()
	}
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &Worker{
		ID:        id,
		Type:      typ,
		Name:      name,
		CreatedAt: createdAt,
		callbacks: make(map[string]*ConnectionCallbacks),
	}
}

// ActivationContext carries everything needed to spawn a worker's PTY.
type ActivationContext struct {
	SessionID      string
	LocationPath   string
	Env            map[string]string // repository env vars and extras
	Command        string            // shell command line; empty spawns a plain shell
	AskingPatterns []string          // agent definition patterns
	Cols, Rows     uint16
}

// ActivateAgentPty spawns the agent command under a PTY and wires its
// output to the scrollback file, the activity detector, and every attached
// callback set.
func (m *Manager) ActivateAgentPty(w *Worker, actx ActivationContext) error {
	if w.Type != TypeAgent {
		return fmt.Errorf("activate agent pty: worker %s is %s", w.ID, w.Type)
	}
	detector := activity.NewDetector(actx.AskingPatterns, func(state activity.State) {
		m.fanOutActivity(w, state)
	}, m.cfg.Activity)
	return m.activatePty(w, actx, detector)
}

// ActivateTerminalPty spawns the user's shell under a PTY.
func (m *Manager) ActivateTerminalPty(w *Worker, actx ActivationContext) error {
	if w.Type != TypeTerminal {
		return fmt.Errorf("activate terminal pty: worker %s is %s", w.ID, w.Type)
	}
	return m.activatePty(w, actx, nil)
}

func (m *Manager) activatePty(w *Worker, actx ActivationContext, detector *activity.Detector) error {
	cols, rows := actx.Cols, actx.Rows
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}

	spec := pty.SpawnSpec{
		Command: m.cfg.DefaultShell,
		Cwd:     actx.LocationPath,
		Env:     actx.Env,
		Cols:    cols,
		Rows:    rows,
	}
	if actx.Command != "" {
		spec.Args = []string{"-c", actx.Command}
	}

	inst, err := m.provider.Spawn(spec)
	if err != nil {
		if detector != nil {
			detector.Close()
		}
		return fmt.Errorf("activate worker %s: %w", w.ID, err)
	}

	w.mu.Lock()
	w.sessionID = actx.SessionID
	w.pty = inst
	w.pid = inst.Pid()
	w.detector = detector
	w.mu.Unlock()

	go m.pump(w, inst, actx.SessionID)
	return nil
}

// pump is the single consumer of one PTY instance's output. It preserves
// read order across the scrollback file, the detector, the ring, and every
// attached callback.
func (m *Manager) pump(w *Worker, inst pty.Instance, sessionID string) {
	for chunk := range inst.Output() {
		m.out.BufferOutput(sessionID, w.ID, chunk)

		w.mu.Lock()
		det := w.detector
		ring := w.ring
		w.mu.Unlock()
		if det != nil {
			det.ProcessOutput(chunk)
		}
		if ring != nil {
			ring.Write(chunk)
		}

		for _, cb := range w.snapshotCallbacks() {
			if cb.OnData != nil {
				cb.OnData(chunk)
			}
		}
	}

	st, ok := <-inst.Exit()
	if !ok {
		st = pty.ExitStatus{ExitCode: 1}
	}

	// Only clear worker state if this pump's instance is still current;
	// a restart may have attached a fresh PTY already.
	w.mu.Lock()
	var det *activity.Detector
	if w.pty == inst {
		w.pty = nil
		w.pid = 0
		det = w.detector
		w.detector = nil
	}
	w.mu.Unlock()
	if det != nil {
		det.Close()
	}

	for _, cb := range w.snapshotCallbacks() {
		if cb.OnExit != nil {
			cb.OnExit(st.ExitCode, st.Signal)
		}
	}
}

func (m *Manager) fanOutActivity(w *Worker, state activity.State) {
	for _, cb := range w.snapshotCallbacks() {
		if cb.OnActivityChange != nil {
			cb.OnActivityChange(state)
		}
	}
	if m.ActivityCallback != nil {
		m.ActivityCallback(w.SessionID(), w.ID, state)
	}
}

// AttachCallbacks registers a delivery set and returns its connection id.
// Multiple attachments per worker are normal: one per browser tab.
func (m *Manager) AttachCallbacks(w *Worker, cbs *ConnectionCallbacks) string {
	id := uuid.New().String()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks[id] = cbs
	return id
}

// DetachCallbacks removes one connection's delivery set.
func (m *Manager) DetachCallbacks(w *Worker, connectionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.callbacks[connectionID]; !ok {
		return false
	}
	delete(w.callbacks, connectionID)
	return true
}

// WriteInput forwards client keystrokes to the PTY. Agent keystrokes also
// feed the typing signal of the activity detector.
func (m *Manager) WriteInput(w *Worker, p []byte) error {
	w.mu.Lock()
	inst := w.pty
	det := w.detector
	w.mu.Unlock()
	if inst == nil {
		return ErrNotActive
	}
	if det != nil {
		det.HandleInput(p)
	}
	return inst.Write(p)
}

// Resize changes the PTY window size.
func (m *Manager) Resize(w *Worker, cols, rows uint16) error {
	w.mu.Lock()
	inst := w.pty
	w.mu.Unlock()
	if inst == nil {
		return ErrNotActive
	}
	return inst.Resize(cols, rows)
}

// Kill terminates the worker's child process and clears its disposables.
// The exit status still fans out through the pump goroutine. SDK queries
// in flight are aborted.
func (m *Manager) Kill(w *Worker) {
	w.mu.Lock()
	inst := w.pty
	det := w.detector
	abort := w.abort
	w.pty = nil
	w.pid = 0
	w.detector = nil
	w.abort = nil
	w.isRunning = false
	w.mu.Unlock()

	if det != nil {
		det.Close()
	}
	if abort != nil {
		abort()
	}
	if inst != nil {
		if err := inst.Kill(); err != nil {
			log.Printf("Worker manager: kill %s: %v", w.ID, err)
		}
	}
}

// OutputRing returns the worker's in-memory fallback history, nil for
// workers without one.
func (m *Manager) OutputRing(w *Worker) []byte {
	w.mu.Lock()
	ring := w.ring
	w.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Bytes()
}

// ActivityState returns the agent's current state, unknown when the worker
// has no detector.
func (m *Manager) ActivityState(w *Worker) activity.State {
	w.mu.Lock()
	det := w.detector
	w.mu.Unlock()
	if det == nil {
		return activity.StateUnknown
	}
	return det.State()
}

// RunSDKQuery starts an SDK agent query. Messages stream into the worker's
// log and fan out to attached callbacks as they arrive. Kill aborts the
// query through its context.
func (m *Manager) RunSDKQuery(w *Worker, runner SDKRunner, prompt string) error {
	if w.Type != TypeSDK {
		return fmt.Errorf("run sdk query: worker %s is %s", w.ID, w.Type)
	}
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("run sdk query: worker %s already running", w.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.abort = cancel
	w.isRunning = true
	sdkSessionID := w.sdkSessionID
	w.mu.Unlock()

	go func() {
		newID, err := runner.Run(ctx, sdkSessionID, prompt, func(msg SDKMessage) {
			w.mu.Lock()
			w.messages = append(w.messages, msg)
			w.mu.Unlock()
			for _, cb := range w.snapshotCallbacks() {
				if cb.OnData != nil {
					cb.OnData([]byte(msg.Content))
				}
			}
		})
		w.mu.Lock()
		w.isRunning = false
		w.abort = nil
		if newID != "" {
			w.sdkSessionID = newID
		}
		w.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Worker manager: sdk query for %s failed: %v", w.ID, err)
		}
	}()
	return nil
}
