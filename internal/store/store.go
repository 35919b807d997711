// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store persists sessions, workers, repositories, agents and jobs
// in a single SQLite database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite handle. The connection pool is capped at one
// connection so writes serialize without SQLITE_BUSY churn.
type Store struct {
	db   *sql.DB
	path string

	mu sync.Mutex
}

// Open opens (creating if needed) the database at path and brings the
// schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Destroy closes the database and removes its files. Used when a failed
// legacy import must leave a clean slate for the next startup.
func (s *Store) Destroy() error {
	s.db.Close()
	var firstErr error
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Timestamps are stored as integer unix milliseconds.

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMillisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// SaveSession upserts a session row and replaces its worker rows in one
// transaction. The worker set in the database always mirrors the caller's.
func (s *Store) SaveSession(sess Session, workers []Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sessions (id, type, location_path, server_pid, initial_prompt, title, repository_id, worktree_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			location_path = excluded.location_path,
			server_pid = excluded.server_pid,
			initial_prompt = excluded.initial_prompt,
			title = excluded.title,
			repository_id = excluded.repository_id,
			worktree_id = excluded.worktree_id,
			updated_at = excluded.updated_at`,
		sess.ID, sess.Type, sess.LocationPath, nullInt(sess.ServerPid), sess.InitialPrompt,
		sess.Title, nullStr(sess.RepositoryID), nullStr(sess.WorktreeID),
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", sess.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM workers WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clearing workers for session %s: %w", sess.ID, err)
	}
	for _, w := range workers {
		_, err := tx.Exec(`
			INSERT INTO workers (id, session_id, type, name, pid, agent_id, base_commit, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, sess.ID, w.Type, w.Name, nullInt(w.Pid), nullStr(w.AgentID),
			nullStr(w.BaseCommit), toMillis(w.CreatedAt), toMillis(w.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting worker %s: %w", w.ID, err)
		}
	}
	return tx.Commit()
}

// GetSession returns one session row, or nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, type, location_path, server_pid, initial_prompt, title, repository_id, worktree_id, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns all session rows ordered by creation time.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, type, location_path, server_pid, initial_prompt, title, repository_id, worktree_id, created_at, updated_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row. Worker rows cascade.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// UpdateSessionServerPid stamps or clears session ownership.
func (s *Store) UpdateSessionServerPid(id string, pid *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE sessions SET server_pid = ?, updated_at = ? WHERE id = ?`,
		nullInt(pid), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("updating server pid for session %s: %w", id, err)
	}
	return nil
}

// ListWorkers returns the worker rows for one session.
func (s *Store) ListWorkers(sessionID string) ([]Worker, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, type, name, pid, agent_id, base_commit, created_at, updated_at
		FROM workers WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing workers for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var (
			w          Worker
			pid        sql.NullInt64
			agentID    sql.NullString
			baseCommit sql.NullString
			created    int64
			updated    int64
		)
		if err := rows.Scan(&w.ID, &w.SessionID, &w.Type, &w.Name, &pid, &agentID, &baseCommit, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning worker: %w", err)
		}
		if pid.Valid {
			p := int(pid.Int64)
			w.Pid = &p
		}
		w.AgentID = agentID.String
		w.BaseCommit = baseCommit.String
		w.CreatedAt = fromMillis(created)
		w.UpdatedAt = fromMillis(updated)
		out = append(out, w)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		serverPid sql.NullInt64
		prompt    sql.NullString
		title     sql.NullString
		repoID    sql.NullString
		wtID      sql.NullString
		created   int64
		updated   int64
	)
	err := row.Scan(&sess.ID, &sess.Type, &sess.LocationPath, &serverPid, &prompt, &title, &repoID, &wtID, &created, &updated)
	if err != nil {
		return nil, err
	}
	if serverPid.Valid {
		pid := int(serverPid.Int64)
		sess.ServerPid = &pid
	}
	sess.InitialPrompt = prompt.String
	sess.Title = title.String
	sess.RepositoryID = repoID.String
	sess.WorktreeID = wtID.String
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	return &sess, nil
}

func unmarshalEnvVars(raw sql.NullString) map[string]string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		log.Printf("Store: ignoring malformed env vars JSON: %v", err)
		return nil
	}
	return m
}
