// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session owns the in-memory session map and the session-aware
// worker lifecycle operations built on top of the worker, output and
// store packages.
package session

import (
	"errors"
	"time"

	"github.com/wingedpig/arbor/internal/worker"
)

// Session types.
const (
	TypeWorktree = "worktree"
	TypeQuick    = "quick"
)

var (
	// ErrSessionNotFound means the session id is not in the map.
	ErrSessionNotFound = errors.New("session not found")
	// ErrWorkerNotFound means the worker id is not in the session.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrJobQueueUnavailable means a required background job could not be
	// enqueued.
	ErrJobQueueUnavailable = errors.New("job queue unavailable")
)

// Restore error codes surfaced to WebSocket clients.
const (
	CodeWorkerNotFound   = "WORKER_NOT_FOUND"
	CodePathNotFound     = "PATH_NOT_FOUND"
	CodeActivationFailed = "ACTIVATION_FAILED"
)

// PathNotFoundError reports a location path that no longer exists. Its
// message is shown to users verbatim.
type PathNotFoundError struct {
	Path string
}

func (e *PathNotFoundError) Error() string {
	return "Path does not exist: " + e.Path
}

// Session is the runtime record for one working context: a directory plus
// the workers running in it. Fields are guarded by the manager's lock.
type Session struct {
	ID            string
	Type          string
	LocationPath  string
	ServerPid     *int // nil while hibernated
	InitialPrompt string
	Title         string
	RepositoryID  string
	WorktreeID    string // branch name for worktree sessions
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Workers keeps creation order; clients render tabs in this order.
	Workers []*worker.Worker
}

// View is the public projection of a session, safe to serialize and
// broadcast.
type View struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	LocationPath  string        `json:"locationPath"`
	ServerPid     *int          `json:"serverPid"`
	InitialPrompt string        `json:"initialPrompt,omitempty"`
	Title         string        `json:"title,omitempty"`
	RepositoryID  string        `json:"repositoryId,omitempty"`
	WorktreeID    string        `json:"worktreeId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	Workers       []worker.View `json:"workers"`
}

// view snapshots the session. Caller holds the manager lock; worker views
// take per-worker locks internally.
func (s *Session) view() View {
	v := View{
		ID:            s.ID,
		Type:          s.Type,
		LocationPath:  s.LocationPath,
		InitialPrompt: s.InitialPrompt,
		Title:         s.Title,
		RepositoryID:  s.RepositoryID,
		WorktreeID:    s.WorktreeID,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		Workers:       make([]worker.View, 0, len(s.Workers)),
	}
	if s.ServerPid != nil {
		pid := *s.ServerPid
		v.ServerPid = &pid
	}
	for _, w := range s.Workers {
		v.Workers = append(v.Workers, w.View())
	}
	return v
}

func (s *Session) findWorker(workerID string) *worker.Worker {
	for _, w := range s.Workers {
		if w.ID == workerID {
			return w
		}
	}
	return nil
}

func (s *Session) removeWorker(workerID string) bool {
	for i, w := range s.Workers {
		if w.ID == workerID {
			s.Workers = append(s.Workers[:i], s.Workers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Session) replaceWorker(workerID string, nw *worker.Worker) {
	for i, w := range s.Workers {
		if w.ID == workerID {
			s.Workers[i] = nw
			return
		}
	}
	s.Workers = append(s.Workers, nw)
}

func (s *Session) countWorkers(t worker.Type) int {
	n := 0
	for _, w := range s.Workers {
		if w.Type == t {
			n++
		}
	}
	return n
}
