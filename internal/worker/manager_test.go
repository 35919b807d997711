// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/pty"
)

// fakeInstance is a scriptable PTY instance.
type fakeInstance struct {
	pid  int
	out  chan []byte
	exit chan pty.ExitStatus

	mu      sync.Mutex
	written []byte
	cols    uint16
	rows    uint16
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

func (f *fakeInstance) Resize(cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cols, f.rows = cols, rows
	return nil
}

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

func (f *fakeInstance) writtenBytes() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.written)
}

// fakeProvider hands out scripted instances.
type fakeProvider struct {
	mu       sync.Mutex
	specs    []pty.SpawnSpec
	next     *fakeInstance
	spawnErr error
}

func (p *fakeProvider) Spawn(spec pty.SpawnSpec) (pty.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spawnErr != nil {
		return nil, p.spawnErr
	}
	p.specs = append(p.specs, spec)
	inst := p.next
	if inst == nil {
		inst = newFakeInstance(1000 + len(p.specs))
	}
	p.next = nil
	return inst, nil
}

// sink records one connection's deliveries.
type sink struct {
	mu     sync.Mutex
	chunks []string
	exits  []pty.ExitStatus
	states []activity.State
}

func (s *sink) callbacks() *ConnectionCallbacks {
	return &ConnectionCallbacks{
		OnData: func(p []byte) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.chunks = append(s.chunks, string(p))
		},
		OnExit: func(code int, signal string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.exits = append(s.exits, pty.ExitStatus{ExitCode: code, Signal: signal})
		},
		OnActivityChange: func(st activity.State) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.states = append(s.states, st)
		},
	}
}

func (s *sink) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *sink) allChunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *sink) exitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exits)
}

func newTestManager(t *testing.T) (*Manager, *fakeProvider, *output.Manager) {
	t.Helper()
	out := output.NewManager(output.Config{BaseDir: t.TempDir(), FlushInterval: 10 * time.Millisecond})
	fp := &fakeProvider{}
	m := NewManager(fp, out, Config{
		DefaultShell: "/bin/sh",
		Activity: activity.Config{
			RateWindow:           200 * time.Millisecond,
			ActiveCountThreshold: 5,
			NoOutputIdle:         50 * time.Millisecond,
			AskingDebounce:       20 * time.Millisecond,
		},
	})
	return m, fp, out
}

func TestFanOut_AllAttachedReceiveEachChunkOnce(t *testing.T) {
	m, fp, _ := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	require.NoError(t, m.ActivateTerminalPty(w, ActivationContext{SessionID: "s1", LocationPath: "/tmp"}))

	s1, s2 := &sink{}, &sink{}
	conn1 := m.AttachCallbacks(w, s1.callbacks())
	m.AttachCallbacks(w, s2.callbacks())

	inst.emit("chunk-1")
	require.Eventually(t, func() bool {
		return s1.chunkCount() == 1 && s2.chunkCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, m.DetachCallbacks(w, conn1))

	inst.emit("chunk-2")
	require.Eventually(t, func() bool {
		return s2.chunkCount() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"chunk-1"}, s1.allChunks())
	assert.Equal(t, []string{"chunk-1", "chunk-2"}, s2.allChunks())
}

func TestOutput_ReachesFileAndRing(t *testing.T) {
	m, fp, out := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	require.NoError(t, m.ActivateTerminalPty(w, ActivationContext{SessionID: "s1", LocationPath: "/tmp"}))

	inst.emit("hello")
	require.Eventually(t, func() bool {
		off, err := out.CurrentOffset("s1", w.ID)
		return err == nil && off == 5
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "hello", string(m.OutputRing(w)))
}

func TestExit_FansOutAndHibernates(t *testing.T) {
	m, fp, _ := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	require.NoError(t, m.ActivateTerminalPty(w, ActivationContext{SessionID: "s1", LocationPath: "/tmp"}))

	s := &sink{}
	m.AttachCallbacks(w, s.callbacks())

	inst.finish(pty.ExitStatus{ExitCode: 0})
	require.Eventually(t, func() bool {
		return s.exitCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, w.HasPty())
}

func TestKill_ClearsPtyAndDelivers(t *testing.T) {
	m, fp, _ := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	require.NoError(t, m.ActivateTerminalPty(w, ActivationContext{SessionID: "s1", LocationPath: "/tmp"}))

	s := &sink{}
	m.AttachCallbacks(w, s.callbacks())

	m.Kill(w)
	assert.False(t, w.HasPty())
	assert.True(t, inst.wasKilled())

	require.Eventually(t, func() bool {
		return s.exitCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriteInput_RequiresActivePty(t *testing.T) {
	m, _, _ := newTestManager(t)
	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})

	err := m.WriteInput(w, []byte("x"))
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, m.Resize(w, 80, 24), ErrNotActive)
}

func TestWriteInput_ForwardsToPty(t *testing.T) {
	m, fp, _ := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	require.NoError(t, m.ActivateTerminalPty(w, ActivationContext{SessionID: "s1", LocationPath: "/tmp"}))

	require.NoError(t, m.WriteInput(w, []byte("ls\r")))
	assert.Equal(t, "ls\r", inst.writtenBytes())

	require.NoError(t, m.Resize(w, 120, 40))
	assert.Equal(t, uint16(120), inst.cols)
	assert.Equal(t, uint16(40), inst.rows)
}

func TestAgentActivation_WiresDetector(t *testing.T) {
	m, fp, _ := newTestManager(t)
	inst := newFakeInstance(42)
	fp.next = inst

	var gotMu sync.Mutex
	var gotSession, gotWorker string
	var gotState activity.State
	m.ActivityCallback = func(sessionID, workerID string, state activity.State) {
		gotMu.Lock()
		defer gotMu.Unlock()
		gotSession, gotWorker, gotState = sessionID, workerID, state
	}

	w := m.InitializeAgentWorker(AgentWorkerSpec{Name: "Claude Code", AgentID: "claude-code-builtin"})
	require.NoError(t, m.ActivateAgentPty(w, ActivationContext{
		SessionID:      "s1",
		LocationPath:   "/tmp",
		Command:        `claude "hi"`,
		AskingPatterns: []string{`\(y/n\)`},
	}))

	s := &sink{}
	m.AttachCallbacks(w, s.callbacks())

	inst.emit("Proceed? (y/n)")
	require.Eventually(t, func() bool {
		return m.ActivityState(w) == activity.StateAsking
	}, time.Second, 10*time.Millisecond)

	gotMu.Lock()
	defer gotMu.Unlock()
	assert.Equal(t, "s1", gotSession)
	assert.Equal(t, w.ID, gotWorker)
	assert.Equal(t, activity.StateAsking, gotState)
}

func TestAgentCommand_RunsThroughShell(t *testing.T) {
	m, fp, _ := newTestManager(t)
	w := m.InitializeAgentWorker(AgentWorkerSpec{Name: "Claude Code", AgentID: "claude-code-builtin"})
	require.NoError(t, m.ActivateAgentPty(w, ActivationContext{
		SessionID:    "s1",
		LocationPath: "/tmp",
		Command:      `claude "hello"`,
	}))

	require.Len(t, fp.specs, 1)
	assert.Equal(t, "/bin/sh", fp.specs[0].Command)
	assert.Equal(t, []string{"-c", `claude "hello"`}, fp.specs[0].Args)
	assert.Equal(t, "/tmp", fp.specs[0].Cwd)
}

func TestDetach_UnknownConnection(t *testing.T) {
	m, _, _ := newTestManager(t)
	w := m.InitializeTerminalWorker(TerminalWorkerSpec{Name: "Terminal 1"})
	assert.False(t, m.DetachCallbacks(w, "nope"))
}

func TestActivateWrongType(t *testing.T) {
	m, _, _ := newTestManager(t)
	w := m.InitializeGitDiffWorker(GitDiffWorkerSpec{Name: "Git Diff"})
	assert.Error(t, m.ActivateTerminalPty(w, ActivationContext{}))
	assert.Error(t, m.ActivateAgentPty(w, ActivationContext{}))
}
