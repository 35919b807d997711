// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package activity derives an agent worker's activity state from its PTY
// output stream.
package activity

import (
	"bytes"
	"log"
	"regexp"
	"sync"
	"time"
)

// State is an agent worker's derived activity state.
type State string

const (
	StateUnknown State = "unknown"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateAsking  State = "asking"
)

// askingScanBytes bounds how much of the rolling buffer is matched against
// the asking patterns.
const askingScanBytes = 500

// Config holds detector tuning. Zero values take the defaults.
type Config struct {
	RateWindow           time.Duration // sliding window for chunk-rate detection
	ActiveCountThreshold int           // chunks within RateWindow that mean "active"
	NoOutputIdle         time.Duration // quiet period that moves active -> idle
	AskingDebounce       time.Duration // quiet period before pattern matching
	BufferSize           int           // rolling output buffer size in bytes
	TypingTimeout        time.Duration // keystroke idle period that clears typing
}

func (c Config) withDefaults() Config {
	if c.RateWindow <= 0 {
		c.RateWindow = 2000 * time.Millisecond
	}
	if c.ActiveCountThreshold <= 0 {
		c.ActiveCountThreshold = 20
	}
	if c.NoOutputIdle <= 0 {
		c.NoOutputIdle = 2000 * time.Millisecond
	}
	if c.AskingDebounce <= 0 {
		c.AskingDebounce = 300 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 5 * time.Second
	}
	return c
}

// Detector tracks one agent worker's activity state.
//
// ProcessOutput is safe to call from the PTY read path. The onChange
// callback runs synchronously on that path and must not call back into the
// detector.
type Detector struct {
	cfg      Config
	onChange func(State)
	patterns []*regexp.Regexp

	mu         sync.Mutex
	state      State
	chunkTimes []time.Time
	buffer     []byte
	typing     bool
	suppressed bool
	closed     bool

	idleTimer   *time.Timer
	askTimer    *time.Timer
	typingTimer *time.Timer
}

// NewDetector creates a detector. askingPatterns come from the agent
// definition; invalid patterns are skipped with a warning.
func NewDetector(askingPatterns []string, onChange func(State), cfg Config) *Detector {
	d := &Detector{
		cfg:      cfg.withDefaults(),
		onChange: onChange,
		state:    StateUnknown,
	}
	for _, p := range askingPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			log.Printf("Activity detector: skipping invalid asking pattern %q: %v", p, err)
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	return d
}

// State returns the current activity state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ProcessOutput feeds one PTY output chunk into the state machine.
func (d *Detector) ProcessOutput(p []byte) {
	if len(p) == 0 {
		return
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.appendBuffer(p)

	// Rate detection counts chunk arrivals, not bytes.
	d.chunkTimes = append(d.chunkTimes, now)
	d.pruneWindow(now)
	if len(d.chunkTimes) >= d.cfg.ActiveCountThreshold && !d.typing && !d.suppressed {
		d.setState(StateActive)
	}

	if d.state == StateActive {
		d.armIdleTimer()
	}
	if len(d.patterns) > 0 {
		d.armAskTimer()
	}
}

// NotifyTyping marks the user as typing. Called for every keystroke other
// than submit or cancel.
func (d *Detector) NotifyTyping() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.typing = true
	if d.typingTimer != nil {
		d.typingTimer.Stop()
	}
	d.typingTimer = time.AfterFunc(d.cfg.TypingTimeout, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.typing = false
	})
}

// NotifySubmit handles an Enter keystroke.
func (d *Detector) NotifySubmit() { d.clearTyping() }

// NotifyCancel handles an Escape keystroke.
func (d *Detector) NotifyCancel() { d.clearTyping() }

// HandleInput classifies raw client keystrokes. A bare ESC cancels, a chunk
// containing a carriage return submits, anything else counts as typing.
func (d *Detector) HandleInput(data []byte) {
	switch {
	case len(data) == 1 && data[0] == 0x1b:
		d.NotifyCancel()
	case bytes.ContainsRune(data, '\r') || bytes.ContainsRune(data, '\n'):
		d.NotifySubmit()
	default:
		d.NotifyTyping()
	}
}

func (d *Detector) clearTyping() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.typing = false
	if d.typingTimer != nil {
		d.typingTimer.Stop()
		d.typingTimer = nil
	}
	if d.state == StateAsking {
		// The user answered the prompt: drop the stale question text,
		// re-enable rate detection, settle at idle.
		d.buffer = nil
		d.suppressed = false
		d.setState(StateIdle)
	}
}

// Close stops all timers. The detector delivers no callbacks afterwards.
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, t := range []*time.Timer{d.idleTimer, d.askTimer, d.typingTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// setState must be called with d.mu held.
func (d *Detector) setState(s State) {
	if d.state == s {
		return
	}
	d.state = s
	if s == StateAsking {
		d.chunkTimes = nil
		d.suppressed = true
	}
	if d.onChange != nil {
		d.onChange(s)
	}
}

func (d *Detector) appendBuffer(p []byte) {
	d.buffer = append(d.buffer, p...)
	if len(d.buffer) > d.cfg.BufferSize {
		trimmed := make([]byte, d.cfg.BufferSize)
		copy(trimmed, d.buffer[len(d.buffer)-d.cfg.BufferSize:])
		d.buffer = trimmed
	}
}

func (d *Detector) pruneWindow(now time.Time) {
	cutoff := now.Add(-d.cfg.RateWindow)
	i := 0
	for i < len(d.chunkTimes) && d.chunkTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		d.chunkTimes = append(d.chunkTimes[:0], d.chunkTimes[i:]...)
	}
}

// armIdleTimer must be called with d.mu held.
func (d *Detector) armIdleTimer() {
	if d.idleTimer != nil {
		d.idleTimer.Stop()
	}
	d.idleTimer = time.AfterFunc(d.cfg.NoOutputIdle, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed || d.state != StateActive {
			return
		}
		d.setState(StateIdle)
	})
}

// armAskTimer must be called with d.mu held.
func (d *Detector) armAskTimer() {
	if d.askTimer != nil {
		d.askTimer.Stop()
	}
	d.askTimer = time.AfterFunc(d.cfg.AskingDebounce, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return
		}
		d.checkAsking()
	})
}

// checkAsking must be called with d.mu held.
func (d *Detector) checkAsking() {
	tail := d.buffer
	if len(tail) > askingScanBytes {
		tail = tail[len(tail)-askingScanBytes:]
	}
	text := StripANSI(tail)
	if len(text) == 0 {
		return
	}
	for _, re := range d.patterns {
		if re.Match(text) {
			d.setState(StateAsking)
			return
		}
	}
}
