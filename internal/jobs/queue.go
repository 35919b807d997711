// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jobs runs a durable background job queue on top of the SQLite
// store, so queued work survives server restarts.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wingedpig/arbor/internal/store"
)

// Job types.
const (
	TypeCleanupWorkerOutput = "CLEANUP_WORKER_OUTPUT"
	TypeNotifyInboundEvent  = "NOTIFY_INBOUND_EVENT"
)

// CleanupWorkerOutputPayload asks for a worker's scrollback file to be
// removed after the worker is deleted.
type CleanupWorkerOutputPayload struct {
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
}

// NotifyInboundEventPayload asks for an inbound event (a PR comment, a CI
// failure) to be surfaced to the session's notification channels.
type NotifyInboundEventPayload struct {
	NotificationID string `json:"notificationId"`
	SessionID      string `json:"sessionId"`
	WorkerID       string `json:"workerId"`
	HandlerID      string `json:"handlerId"`
	EventType      string `json:"eventType"`
	EventSummary   string `json:"eventSummary"`
}

// Handler processes one claimed job. A returned error reschedules the job
// until its attempts are exhausted.
type Handler func(ctx context.Context, job store.Job) error

// Config tunes the queue. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
	BackoffBase  time.Duration
	MaxAttempts  int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

// Queue claims pending jobs from the store and dispatches them to
// registered handlers.
type Queue struct {
	store *store.Store
	cfg   Config

	mu       sync.Mutex
	handlers map[string]Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a queue over the store. Call Start to begin processing.
func New(st *store.Store, cfg Config) *Queue {
	return &Queue{
		store:    st,
		cfg:      cfg.withDefaults(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler installs the handler for one job type, replacing any
// previous registration.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// EnqueueOption adjusts a single enqueued job.
type EnqueueOption func(*store.Job)

// WithPriority raises or lowers the job's claim priority. Higher runs first.
func WithPriority(p int) EnqueueOption {
	return func(j *store.Job) { j.Priority = p }
}

// WithMaxAttempts overrides the retry budget for one job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *store.Job) { j.MaxAttempts = n }
}

// Enqueue persists a job for background processing and returns its id. The
// job becomes eligible immediately.
func (q *Queue) Enqueue(jobType string, payload any, opts ...EnqueueOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload for %s job: %w", jobType, err)
	}
	now := time.Now().UTC()
	job := store.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     string(data),
		Status:      store.JobStatusPending,
		MaxAttempts: q.cfg.MaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	for _, opt := range opts {
		opt(&job)
	}
	if err := q.store.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Start launches the polling loop. Stop halts it.
func (q *Queue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx)
}

// Stop halts processing and waits for the in-flight job, if any.
func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil
}

// Counts reports how many jobs sit in each status.
func (q *Queue) Counts() (map[string]int, error) {
	return q.store.CountJobsByStatus()
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		q.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain claims and runs eligible jobs until none remain.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.store.ClaimNextJob(time.Now().UTC())
		if err != nil {
			log.Printf("Job queue: claiming next job: %v", err)
			return
		}
		if job == nil {
			return
		}
		q.dispatch(ctx, *job)
	}
}

func (q *Queue) dispatch(ctx context.Context, job store.Job) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()

	now := time.Now().UTC()
	if !ok {
		log.Printf("Job queue: no handler registered for job type %s, failing job %s", job.Type, job.ID)
		if err := q.store.FailJob(job.ID, fmt.Sprintf("no handler registered for type %s", job.Type), now); err != nil {
			log.Printf("Job queue: failing job %s: %v", job.ID, err)
		}
		return
	}

	err := handler(ctx, job)
	now = time.Now().UTC()
	if err == nil {
		if err := q.store.CompleteJob(job.ID, now); err != nil {
			log.Printf("Job queue: completing job %s: %v", job.ID, err)
		}
		return
	}

	if job.Attempts >= job.MaxAttempts {
		log.Printf("Job queue: job %s (%s) failed permanently after %d attempts: %v", job.ID, job.Type, job.Attempts, err)
		if ferr := q.store.FailJob(job.ID, err.Error(), now); ferr != nil {
			log.Printf("Job queue: failing job %s: %v", job.ID, ferr)
		}
		return
	}

	// Exponential backoff keyed on the attempts already spent.
	delay := q.cfg.BackoffBase * time.Duration(1<<uint(job.Attempts))
	log.Printf("Job queue: job %s (%s) attempt %d/%d failed, retrying in %s: %v",
		job.ID, job.Type, job.Attempts, job.MaxAttempts, delay, err)
	if rerr := q.store.RetryJob(job.ID, err.Error(), now.Add(delay)); rerr != nil {
		log.Printf("Job queue: rescheduling job %s: %v", job.ID, rerr)
	}
}
