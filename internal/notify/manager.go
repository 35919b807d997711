// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notify turns agent activity and inbound webhook events into
// Slack messages, debounced so a flapping prompt does not spam a channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/jobs"
	"github.com/wingedpig/arbor/internal/store"
)

const (
	defaultDebounceTTL  = 5 * time.Minute
	debounceCleanup     = 10 * time.Minute
	webhookTimeout      = 10 * time.Second
	inboundEventPending = "pending"
)

// SessionInfo is what the notifier needs to know about a session.
type SessionInfo struct {
	Title        string
	LocationPath string
	RepositoryID string
}

// Options wires the manager.
type Options struct {
	Store *store.Store
	Queue *jobs.Queue

	// Sessions resolves a session id to its display info. Wired to the
	// session manager by the app.
	Sessions func(sessionID string) (SessionInfo, bool)

	// DebounceTTL is the per-worker quiet period between asking
	// notifications. Zero takes the default.
	DebounceTTL time.Duration

	HTTPClient *http.Client
}

// Manager watches activity transitions and delivers notifications.
type Manager struct {
	opts     Options
	ttl      time.Duration
	debounce *gocache.Cache
	client   *http.Client
}

// NewManager creates the notification manager.
func NewManager(opts Options) *Manager {
	ttl := opts.DebounceTTL
	if ttl <= 0 {
		ttl = defaultDebounceTTL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	return &Manager{
		opts:     opts,
		ttl:      ttl,
		debounce: gocache.New(ttl, debounceCleanup),
		client:   client,
	}
}

// HandleActivity receives every agent activity transition. Only asking
// matters here; everything else is client-display state.
func (m *Manager) HandleActivity(sessionID, workerID string, state activity.State) {
	if state != activity.StateAsking {
		return
	}
	key := debounceKey(sessionID, workerID)
	// Add fails when the key is live, which is exactly the debounce.
	if err := m.debounce.Add(key, time.Now(), m.ttl); err != nil {
		return
	}
	go m.notifyAsking(sessionID, workerID)
}

// DropWorkerState clears the worker's debounce entry on delete, so a new
// worker with the same session does not inherit a stale quiet period.
func (m *Manager) DropWorkerState(sessionID, workerID string) {
	m.debounce.Delete(debounceKey(sessionID, workerID))
}

func debounceKey(sessionID, workerID string) string {
	return sessionID + "/" + workerID
}

func (m *Manager) notifyAsking(sessionID, workerID string) {
	integ, title := m.slackTarget(sessionID)
	if integ == nil {
		return
	}
	text := fmt.Sprintf(":speech_balloon: *%s* is waiting for your input", title)
	if err := m.postWebhook(integ.WebhookURL, text); err != nil {
		log.Printf("Notify: posting asking notification for worker %s: %v", workerID, err)
	}
}

// slackTarget resolves the session's repository integration. Returns nil
// when the session has no repository, no integration, or it is disabled.
func (m *Manager) slackTarget(sessionID string) (*store.SlackIntegration, string) {
	info, ok := m.opts.Sessions(sessionID)
	if !ok || info.RepositoryID == "" {
		return nil, ""
	}
	integ, err := m.opts.Store.GetSlackIntegration(info.RepositoryID)
	if err != nil {
		log.Printf("Notify: loading slack integration for repository %s: %v", info.RepositoryID, err)
		return nil, ""
	}
	if integ == nil || !integ.Enabled {
		return nil, ""
	}
	title := info.Title
	if title == "" {
		title = filepath.Base(info.LocationPath)
	}
	return integ, title
}

func (m *Manager) postWebhook(url, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	resp, err := m.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// RecordInboundEvent stores an inbound event and schedules its delivery.
// Re-delivery of the same (job, session, worker, handler) tuple is a no-op,
// so webhook providers can retry safely.
func (m *Manager) RecordInboundEvent(n store.InboundEventNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = inboundEventPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	inserted, err := m.opts.Store.InsertInboundEvent(n)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	if m.opts.Queue == nil {
		return fmt.Errorf("job queue unavailable")
	}
	_, err = m.opts.Queue.Enqueue(jobs.TypeNotifyInboundEvent, jobs.NotifyInboundEventPayload{
		NotificationID: n.ID,
		SessionID:      n.SessionID,
		WorkerID:       n.WorkerID,
		HandlerID:      n.HandlerID,
		EventType:      n.EventType,
		EventSummary:   n.EventSummary,
	})
	return err
}

// HandleInboundEventJob is the queue handler for inbound event delivery.
// Delivery failures return an error so the queue retries with back-off.
func (m *Manager) HandleInboundEventJob(ctx context.Context, job store.Job) error {
	var p jobs.NotifyInboundEventPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decoding inbound event payload: %w", err)
	}

	if integ, title := m.slackTarget(p.SessionID); integ != nil {
		text := fmt.Sprintf(":inbox_tray: *%s*: %s", title, p.EventSummary)
		if p.EventSummary == "" {
			text = fmt.Sprintf(":inbox_tray: *%s*: %s event received", title, p.EventType)
		}
		if err := m.postWebhook(integ.WebhookURL, text); err != nil {
			return err
		}
	}
	return m.opts.Store.MarkInboundEventNotified(p.NotificationID, time.Now().UTC())
}
