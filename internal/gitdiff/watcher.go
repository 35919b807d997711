// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gitdiff drives git-diff workers: it watches a working tree with
// fsnotify and pushes freshly computed diffs to attached connections.
package gitdiff

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/wingedpig/arbor/internal/gitx"
)

const gitTimeout = 10 * time.Second

// Update is one computed diff frame.
type Update struct {
	BaseCommit string      `json:"baseCommit"`
	Diff       string      `json:"diff"`
	Status     gitx.Status `json:"status"`
}

// Sink receives updates for one attached connection. Called from the
// watcher's goroutines; implementations must be safe for that.
type Sink func(Update)

// Hub owns one watcher per git-diff worker.
type Hub struct {
	git gitx.Runner

	mu       sync.Mutex
	watchers map[string]*Watcher
	closed   bool
}

// NewHub creates the hub.
func NewHub(git gitx.Runner) *Hub {
	return &Hub{
		git:      git,
		watchers: make(map[string]*Watcher),
	}
}

// Attach subscribes a connection to the worker's diff stream, creating the
// watcher on first attach. The sink immediately receives an initial frame.
func (h *Hub) Attach(workerID, path, baseCommit string, sink Sink) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", fmt.Errorf("hub is closed")
	}
	w, ok := h.watchers[workerID]
	if !ok {
		var err error
		w, err = newWatcher(workerID, path, baseCommit, h.git)
		if err != nil {
			h.mu.Unlock()
			return "", err
		}
		h.watchers[workerID] = w
	}
	h.mu.Unlock()

	connectionID := w.attach(sink)
	go w.deliverTo(sink)
	return connectionID, nil
}

// Detach removes one connection. The watcher keeps running until Stop so
// reattaches stay cheap.
func (h *Hub) Detach(workerID, connectionID string) {
	h.mu.Lock()
	w := h.watchers[workerID]
	h.mu.Unlock()
	if w != nil {
		w.detach(connectionID)
	}
}

// SetBaseCommit changes the comparison base and pushes a fresh frame to all
// attached connections.
func (h *Hub) SetBaseCommit(workerID, commit string) {
	h.mu.Lock()
	w := h.watchers[workerID]
	h.mu.Unlock()
	if w != nil {
		w.setBaseCommit(commit)
	}
}

// Stop tears down the worker's watcher. Implements the session manager's
// watcher hook for git-diff worker deletion.
func (h *Hub) Stop(workerID string) {
	h.mu.Lock()
	w := h.watchers[workerID]
	delete(h.watchers, workerID)
	h.mu.Unlock()
	if w != nil {
		w.close()
	}
}

// Close stops every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	watchers := h.watchers
	h.watchers = make(map[string]*Watcher)
	h.closed = true
	h.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
}

// Watcher follows one working tree and recomputes the diff on changes.
type Watcher struct {
	workerID string
	path     string
	git      gitx.Runner
	fsw      *fsnotify.Watcher
	deb      *Debouncer

	mu         sync.Mutex
	baseCommit string
	sinks      map[string]Sink
	closed     bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func newWatcher(workerID, path string, baseCommit string, git gitx.Runner) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	w := &Watcher{
		workerID:   workerID,
		path:       path,
		git:        git,
		fsw:        fsw,
		deb:        NewDebouncer(defaultDebounceDuration),
		baseCommit: baseCommit,
		sinks:      make(map[string]Sink),
		closeCh:    make(chan struct{}),
	}

	if err := w.watchTree(path); err != nil {
		fsw.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.processEvents()
	return w, nil
}

// watchTree adds the directory and all subdirectories. The .git directory
// is added non-recursively; HEAD and index changes surface branch switches
// and staging without the object-store churn.
func (w *Watcher) watchTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			if werr := w.fsw.Add(path); werr != nil {
				log.Printf("Git-diff watcher: watching %s: %v", path, werr)
			}
			return filepath.SkipDir
		}
		if werr := w.fsw.Add(path); werr != nil {
			log.Printf("Git-diff watcher: watching %s: %v", path, werr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", root, err)
	}
	return nil
}

func (w *Watcher) attach(sink Sink) string {
	connectionID := uuid.New().String()
	w.mu.Lock()
	w.sinks[connectionID] = sink
	w.mu.Unlock()
	return connectionID
}

func (w *Watcher) detach(connectionID string) {
	w.mu.Lock()
	delete(w.sinks, connectionID)
	w.mu.Unlock()
}

func (w *Watcher) setBaseCommit(commit string) {
	w.mu.Lock()
	w.baseCommit = commit
	w.mu.Unlock()
	w.refresh()
}

func (w *Watcher) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.closeCh)
	w.deb.Stop()
	w.fsw.Close()
	w.wg.Wait()
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("Git-diff watcher: %s: %v", w.path, err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Chmod fires on every stat touch and would spin the diff loop.
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if w.ignored(event.Name) {
		return
	}

	// New directories need their own watch before events inside them fire.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				log.Printf("Git-diff watcher: watching new dir %s: %v", event.Name, err)
			}
		}
	}

	w.deb.Debounce(w.workerID, w.refresh)
}

// ignored filters .git internals down to HEAD and index, which change on
// branch switches and staging.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.path, path)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for i, part := range parts {
		if part != ".git" {
			continue
		}
		if i == len(parts)-2 {
			name := parts[len(parts)-1]
			return name != "HEAD" && name != "index"
		}
		return true
	}
	return false
}

// refresh computes a frame and fans it out to every attached connection.
func (w *Watcher) refresh() {
	w.mu.Lock()
	if w.closed || len(w.sinks) == 0 {
		w.mu.Unlock()
		return
	}
	sinks := make([]Sink, 0, len(w.sinks))
	for _, s := range w.sinks {
		sinks = append(sinks, s)
	}
	w.mu.Unlock()

	update, err := w.compute()
	if err != nil {
		log.Printf("Git-diff watcher: computing diff for %s: %v", w.path, err)
		return
	}
	for _, sink := range sinks {
		sink(update)
	}
}

// deliverTo computes a frame for a single newly attached sink.
func (w *Watcher) deliverTo(sink Sink) {
	update, err := w.compute()
	if err != nil {
		log.Printf("Git-diff watcher: computing diff for %s: %v", w.path, err)
		return
	}
	sink(update)
}

func (w *Watcher) compute() (Update, error) {
	w.mu.Lock()
	base := w.baseCommit
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	diff, err := w.git.Diff(ctx, w.path, base)
	if err != nil {
		return Update{}, err
	}
	status, err := w.git.Status(ctx, w.path)
	if err != nil {
		return Update{}, err
	}
	return Update{BaseCommit: base, Diff: diff, Status: status}, nil
}
