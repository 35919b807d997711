// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// EnqueueJob inserts one job row.
func (s *Store) EnqueueJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.Payload, j.Status, j.Priority, j.Attempts, j.MaxAttempts,
		toMillis(j.NextRetryAt), nullStr(j.LastError), toMillis(j.CreatedAt),
		toMillisPtr(j.StartedAt), toMillisPtr(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", j.ID, err)
	}
	return nil
}

// ClaimNextJob atomically moves the most eligible pending job to running
// and returns it. Eligible means next_retry_at has passed; highest priority
// wins, then the longest-waiting job. Returns nil when nothing is eligible.
func (s *Store) ClaimNextJob(now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		row := s.db.QueryRow(jobSelect+`
			WHERE status = ? AND next_retry_at <= ?
			ORDER BY priority DESC, next_retry_at ASC, created_at ASC
			LIMIT 1`, JobStatusPending, now.UnixMilli())
		j, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("selecting claimable job: %w", err)
		}

		// The status guard makes the claim atomic even when another
		// claimer raced us between SELECT and UPDATE.
		res, err := s.db.Exec(`
			UPDATE jobs SET status = ?, attempts = attempts + 1, started_at = ?
			WHERE id = ? AND status = ?`,
			JobStatusRunning, now.UnixMilli(), j.ID, JobStatusPending)
		if err != nil {
			return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j.Status = JobStatusRunning
		j.Attempts++
		started := now.UTC()
		j.StartedAt = &started
		return j, nil
	}
}

// CompleteJob marks a running job completed.
func (s *Store) CompleteJob(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
		JobStatusCompleted, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	return nil
}

// RetryJob returns a running job to pending with a new retry time.
func (s *Store) RetryJob(id string, lastError string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`,
		JobStatusPending, lastError, nextRetryAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("rescheduling job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job permanently failed, keeping the last error for
// inspection.
func (s *Store) FailJob(id string, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status = ?, last_error = ?, completed_at = ? WHERE id = ?`,
		JobStatusFailed, lastError, now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

// GetJob returns one job row, or nil when absent.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return j, nil
}

// CountJobsByStatus returns how many jobs sit in each status.
func (s *Store) CountJobsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// InsertInboundEvent records an inbound event notification. Returns false
// without error when the same (job, session, worker, handler) tuple was
// already recorded.
func (s *Store) InsertInboundEvent(n InboundEventNotification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO inbound_event_notifications (id, job_id, session_id, worker_id, handler_id, event_type, event_summary, status, created_at, notified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.JobID, n.SessionID, n.WorkerID, n.HandlerID, n.EventType,
		nullStr(n.EventSummary), n.Status, toMillis(n.CreatedAt), toMillisPtr(n.NotifiedAt))
	if err != nil {
		return false, fmt.Errorf("inserting inbound event for worker %s: %w", n.WorkerID, err)
	}
	inserted, _ := res.RowsAffected()
	return inserted > 0, nil
}

// ListPendingInboundEvents returns unnotified inbound events, oldest first.
func (s *Store) ListPendingInboundEvents() ([]InboundEventNotification, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, session_id, worker_id, handler_id, event_type, event_summary, status, created_at, notified_at
		FROM inbound_event_notifications WHERE status = ? ORDER BY created_at`, JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending inbound events: %w", err)
	}
	defer rows.Close()

	var out []InboundEventNotification
	for rows.Next() {
		var (
			n        InboundEventNotification
			summary  sql.NullString
			created  int64
			notified sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.JobID, &n.SessionID, &n.WorkerID, &n.HandlerID,
			&n.EventType, &summary, &n.Status, &created, &notified); err != nil {
			return nil, fmt.Errorf("scanning inbound event: %w", err)
		}
		n.EventSummary = summary.String
		n.CreatedAt = fromMillis(created)
		n.NotifiedAt = fromMillisPtr(notified)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkInboundEventNotified stamps an inbound event as delivered.
func (s *Store) MarkInboundEventNotified(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE inbound_event_notifications SET status = ?, notified_at = ? WHERE id = ?`,
		"notified", now.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("marking inbound event %s notified: %w", id, err)
	}
	return nil
}

const jobSelect = `
	SELECT id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at, started_at, completed_at
	FROM jobs`

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		lastError sql.NullString
		nextRetry int64
		created   int64
		started   sql.NullInt64
		completed sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &j.Status, &j.Priority, &j.Attempts,
		&j.MaxAttempts, &nextRetry, &lastError, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.LastError = lastError.String
	j.NextRetryAt = fromMillis(nextRetry)
	j.CreatedAt = fromMillis(created)
	j.StartedAt = fromMillisPtr(started)
	j.CompletedAt = fromMillisPtr(completed)
	return &j, nil
}
