// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package output persists per-worker scrollback to append-only files with
// flush batching, size-capped tail retention, and byte-offset reads.
package output

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Config holds file manager tuning. Zero values take the defaults.
type Config struct {
	BaseDir        string        // directory holding {sessionId}/{workerId}.log
	FlushInterval  time.Duration // batching delay before a scheduled flush
	FlushThreshold int           // pending bytes that trigger an immediate flush
	MaxFileSize    int64         // scrollback file size cap
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = 8 * 1024
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 5 * 1024 * 1024
	}
	return c
}

// truncateKeepRatio is the share of MaxFileSize retained after truncation.
const truncateKeepRatio = 0.8

// History is a slice of scrollback plus the offset just past its last byte.
type History struct {
	Data   []byte
	Offset int64
}

type key struct {
	sessionID string
	workerID  string
}

type entry struct {
	mu      sync.Mutex
	pending []byte
	timer   *time.Timer
	deleted bool
}

// Manager owns all scrollback files under a base directory. Operations for
// a given (session, worker) pair are serialized on that pair's entry.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[key]*entry
}

// NewManager creates a scrollback file manager rooted at cfg.BaseDir.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		entries: make(map[key]*entry),
	}
}

func (m *Manager) filePath(sessionID, workerID string) string {
	return filepath.Join(m.cfg.BaseDir, sessionID, workerID+".log")
}

func (m *Manager) entryFor(sessionID, workerID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{sessionID, workerID}
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	return e
}

func (m *Manager) lookup(sessionID, workerID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key{sessionID, workerID}]
	return e, ok
}

// BufferOutput appends bytes to the worker's pending buffer. It never
// blocks on disk: a flush is scheduled after the batching interval, or
// fired immediately in the background once the pending buffer reaches the
// threshold.
func (m *Manager) BufferOutput(sessionID, workerID string, p []byte) {
	if len(p) == 0 {
		return
	}
	e := m.entryFor(sessionID, workerID)

	e.mu.Lock()
	if e.deleted {
		e.deleted = false
	}
	e.pending = append(e.pending, p...)
	overThreshold := len(e.pending) >= m.cfg.FlushThreshold
	if overThreshold {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	} else if e.timer == nil {
		e.timer = time.AfterFunc(m.cfg.FlushInterval, func() {
			if err := m.Flush(sessionID, workerID); err != nil {
				log.Printf("Output manager: scheduled flush failed for %s/%s: %v", sessionID, workerID, err)
			}
		})
	}
	e.mu.Unlock()

	if overThreshold {
		go func() {
			if err := m.Flush(sessionID, workerID); err != nil {
				log.Printf("Output manager: threshold flush failed for %s/%s: %v", sessionID, workerID, err)
			}
		}()
	}
}

// Flush appends the pending buffer to the worker's scrollback file and
// applies the size cap.
func (m *Manager) Flush(sessionID, workerID string) error {
	e, ok := m.lookup(sessionID, workerID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.pending) == 0 {
		return nil
	}
	pending := e.pending
	e.pending = nil

	path := m.filePath(sessionID, workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.pending = pending
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		e.pending = pending
		return fmt.Errorf("open output file: %w", err)
	}
	_, werr := f.Write(pending)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append output: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close output file: %w", cerr)
	}

	return m.enforceSizeCap(path)
}

// enforceSizeCap truncates the file to the most recent ~80% of the cap,
// advanced forward to a UTF-8 codepoint boundary. Called with the entry
// lock held.
func (m *Manager) enforceSizeCap(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	size := info.Size()
	if size <= m.cfg.MaxFileSize {
		return nil
	}

	keep := int64(float64(m.cfg.MaxFileSize) * truncateKeepRatio)
	start := size - keep

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read output file for truncation: %w", err)
	}
	for start < int64(len(data)) && !utf8.RuneStart(data[start]) {
		start++
	}
	tail := data[start:]

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, tail, 0644); err != nil {
		return fmt.Errorf("write truncated output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace output file: %w", err)
	}
	return nil
}

// FlushAll drains every pending buffer.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	keys := make([]key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, k := range keys {
		k := k
		g.Go(func() error {
			return m.Flush(k.sessionID, k.workerID)
		})
	}
	return g.Wait()
}

// ReadHistoryWithOffset returns scrollback bytes from fromOffset to the end
// of the file. A missing file with a pending buffer yields the pending
// bytes; a missing file with no pending yields empty history, never an
// error, so newly created workers always present zero-length history.
func (m *Manager) ReadHistoryWithOffset(sessionID, workerID string, fromOffset int64) (History, error) {
	e := m.entryFor(sessionID, workerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if fromOffset < 0 {
		fromOffset = 0
	}

	data, err := os.ReadFile(m.filePath(sessionID, workerID))
	if err != nil {
		if !os.IsNotExist(err) {
			return History{}, fmt.Errorf("read output file: %w", err)
		}
		if len(e.pending) > 0 {
			p := make([]byte, len(e.pending))
			copy(p, e.pending)
			return History{Data: p, Offset: int64(len(p))}, nil
		}
		return History{Data: []byte{}, Offset: 0}, nil
	}

	size := int64(len(data))
	if fromOffset >= size {
		return History{Data: []byte{}, Offset: size}, nil
	}
	// Never slice into the middle of a codepoint.
	for fromOffset < size && !utf8.RuneStart(data[fromOffset]) {
		fromOffset++
	}
	out := make([]byte, size-fromOffset)
	copy(out, data[fromOffset:])
	return History{Data: out, Offset: size}, nil
}

// ReadLastNLines tails the combined file and pending buffer, keeping the
// last maxLines line terminators. An empty trailing line counts as a line.
// maxLines of zero yields empty data at the end offset.
func (m *Manager) ReadLastNLines(sessionID, workerID string, maxLines int) (History, error) {
	e := m.entryFor(sessionID, workerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(m.filePath(sessionID, workerID))
	if err != nil && !os.IsNotExist(err) {
		return History{}, fmt.Errorf("read output file: %w", err)
	}
	combined := append(data, e.pending...)
	end := int64(len(combined))

	if maxLines <= 0 || len(combined) == 0 {
		return History{Data: []byte{}, Offset: end}, nil
	}

	// Cut just after the maxLines-th newline from the end; the suffix then
	// holds at most maxLines lines, counting an empty trailing one.
	seen := 0
	start := 0
	for i := len(combined) - 1; i >= 0; i-- {
		if combined[i] == '\n' {
			seen++
			if seen == maxLines {
				start = i + 1
				break
			}
		}
	}
	out := make([]byte, len(combined)-start)
	copy(out, combined[start:])
	return History{Data: out, Offset: end}, nil
}

// CurrentOffset flushes any pending bytes, then reports the scrollback file
// size. If no file exists the remaining pending size is reported.
func (m *Manager) CurrentOffset(sessionID, workerID string) (int64, error) {
	if err := m.Flush(sessionID, workerID); err != nil {
		log.Printf("Output manager: flush before offset read failed for %s/%s: %v", sessionID, workerID, err)
	}

	e := m.entryFor(sessionID, workerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := os.Stat(m.filePath(sessionID, workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return int64(len(e.pending)), nil
		}
		return 0, fmt.Errorf("stat output file: %w", err)
	}
	return info.Size(), nil
}

// InitializeWorkerOutput creates the session directory and an empty
// scrollback file if none exists, so readers succeed before the first
// write. An existing file is left untouched.
func (m *Manager) InitializeWorkerOutput(sessionID, workerID string) error {
	path := m.filePath(sessionID, workerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	return f.Close()
}

// ResetWorkerOutput truncates the scrollback file and discards pending
// bytes. Used on agent restart so client offset caches cannot drift against
// the fresh output.
func (m *Manager) ResetWorkerOutput(sessionID, workerID string) error {
	e := m.entryFor(sessionID, workerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	path := m.filePath(sessionID, workerID)
	if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate output file: %w", err)
	}
	return nil
}

// DeleteWorkerOutput cancels pending flushes and removes the worker's
// scrollback file. Idempotent.
func (m *Manager) DeleteWorkerOutput(sessionID, workerID string) error {
	m.mu.Lock()
	k := key{sessionID, workerID}
	e := m.entries[k]
	delete(m.entries, k)
	m.mu.Unlock()

	if e != nil {
		e.mu.Lock()
		e.pending = nil
		e.deleted = true
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}

	if err := os.Remove(m.filePath(sessionID, workerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove output file: %w", err)
	}
	return nil
}

// DeleteSessionOutputs removes every scrollback file for a session along
// with its directory. Idempotent.
func (m *Manager) DeleteSessionOutputs(sessionID string) error {
	m.mu.Lock()
	for k, e := range m.entries {
		if k.sessionID != sessionID {
			continue
		}
		e.mu.Lock()
		e.pending = nil
		e.deleted = true
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
		delete(m.entries, k)
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.BaseDir, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session outputs: %w", err)
	}
	return nil
}
