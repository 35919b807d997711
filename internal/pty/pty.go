// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pty spawns child processes under a pseudo-terminal and exposes
// their I/O as channels.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrUnavailable is returned by Spawn when the OS has no PTY support.
var ErrUnavailable = errors.New("pty not available on this platform")

// readBufSize bounds a single chunk; well under the 64 KiB delivery cap.
const readBufSize = 32 * 1024

// SpawnSpec describes a child process to run under a PTY.
type SpawnSpec struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string // merged over the parent environment
	Cols    uint16
	Rows    uint16
}

// ExitStatus reports how a child process ended. Signal is empty for a
// normal exit.
type ExitStatus struct {
	ExitCode int
	Signal   string
}

// Instance is a live PTY-backed child process.
//
// Output delivers chunks in read order and is closed when the stream ends.
// Exit delivers exactly one status after Output is closed.
type Instance interface {
	Pid() int
	Output() <-chan []byte
	Exit() <-chan ExitStatus
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Kill() error
}

// Provider spawns PTY instances.
type Provider interface {
	Spawn(spec SpawnSpec) (Instance, error)
}

// RealProvider spawns real child processes via creack/pty.
type RealProvider struct{}

// NewRealProvider creates a new PTY provider.
func NewRealProvider() *RealProvider {
	return &RealProvider{}
}

// Spawn starts the command under a new PTY with the given size.
func (p *RealProvider) Spawn(spec SpawnSpec) (Instance, error) {
	if runtime.GOOS == "windows" {
		return nil, ErrUnavailable
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("spawn pty: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = buildEnv(spec.Env)

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("spawn pty: %w", err)
	}

	inst := &realInstance{
		cmd:      cmd,
		file:     f,
		output:   make(chan []byte, 64),
		exit:     make(chan ExitStatus, 1),
		readDone: make(chan struct{}),
	}
	go inst.readLoop()
	go inst.waitLoop()
	return inst, nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type realInstance struct {
	cmd      *exec.Cmd
	file     *os.File
	output   chan []byte
	exit     chan ExitStatus
	readDone chan struct{}

	writeMu sync.Mutex
	killMu  sync.Mutex
	killed  bool
}

func (i *realInstance) Pid() int {
	if i.cmd.Process == nil {
		return 0
	}
	return i.cmd.Process.Pid
}

func (i *realInstance) Output() <-chan []byte { return i.output }

func (i *realInstance) Exit() <-chan ExitStatus { return i.exit }

// readLoop pumps PTY output into the output channel. Incomplete trailing
// UTF-8 sequences are carried into the next chunk so multi-byte codepoints
// are not split across deliveries.
func (i *realInstance) readLoop() {
	defer close(i.readDone)
	defer close(i.output)

	buf := make([]byte, readBufSize)
	var carry []byte
	for {
		n, err := i.file.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			complete, tail := splitCompleteUTF8(chunk)
			carry = tail
			if len(complete) > 0 {
				i.output <- complete
			}
		}
		if err != nil {
			// A read error on the master side means the child is gone
			// (Linux reports EIO rather than EOF). Flush any held tail.
			if len(carry) > 0 {
				i.output <- carry
			}
			return
		}
	}
}

// splitCompleteUTF8 splits p so that complete ends on a UTF-8 codepoint
// boundary. At most the last three bytes are held back, and only when they
// begin a multi-byte sequence that has not finished arriving.
func splitCompleteUTF8(p []byte) (complete, tail []byte) {
	n := len(p)
	for back := 1; back <= 3 && back <= n; back++ {
		b := p[n-back]
		if b < 0x80 {
			// ASCII: everything up to the end is complete.
			break
		}
		if b >= 0xC0 {
			// Start byte of a multi-byte sequence.
			need := 2
			switch {
			case b >= 0xF0:
				need = 4
			case b >= 0xE0:
				need = 3
			}
			if back < need {
				held := make([]byte, back)
				copy(held, p[n-back:])
				return p[:n-back], held
			}
			break
		}
		// Continuation byte: keep scanning backwards.
	}
	return p, nil
}

// waitLoop reaps the child, allows the reader a moment to drain trailing
// output, then delivers the exit status.
func (i *realInstance) waitLoop() {
	err := i.cmd.Wait()

	select {
	case <-i.readDone:
	case <-time.After(250 * time.Millisecond):
		i.file.Close()
		<-i.readDone
	}
	i.file.Close()

	i.exit <- exitStatusFromError(i.cmd, err)
	close(i.exit)
}

func exitStatusFromError(cmd *exec.Cmd, err error) ExitStatus {
	st := ExitStatus{ExitCode: 0}
	ps := cmd.ProcessState
	if ps == nil {
		if err != nil {
			st.ExitCode = 1
		}
		return st
	}
	st.ExitCode = ps.ExitCode()
	if sig := signalName(ps); sig != "" {
		st.Signal = sig
		if st.ExitCode < 0 {
			st.ExitCode = 1
		}
	}
	return st
}

func signalName(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return ws.Signal().String()
}

func (i *realInstance) Write(p []byte) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	if _, err := i.file.Write(p); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

func (i *realInstance) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("pty resize: invalid size %dx%d", cols, rows)
	}
	if err := pty.Setsize(i.file, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Kill terminates the child process. The exit status is still delivered on
// the Exit channel once the process is reaped.
func (i *realInstance) Kill() error {
	i.killMu.Lock()
	defer i.killMu.Unlock()
	if i.killed {
		return nil
	}
	i.killed = true
	if i.cmd.Process == nil {
		return nil
	}
	if err := i.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("pty kill: %w", err)
	}
	return nil
}
