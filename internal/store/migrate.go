// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"fmt"
	"log"
)

// Migrations run in order inside transactions. The schema version lives in
// PRAGMA user_version so a partially applied step never advances it.
var migrations = []struct {
	version int
	name    string
	apply   func(tx *sql.Tx) error
}{
	{1, "core tables", migrateCoreTables},
	{2, "slack integrations", migrateSlackIntegrations},
	{3, "job queue", migrateJobQueue},
	{4, "inbound event notifications", migrateInboundEvents},
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", m.version, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("stamping migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
		log.Printf("Store: applied migration %d (%s)", m.version, m.name)
	}
	return nil
}

func migrateCoreTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			description TEXT,
			setup_command TEXT,
			cleanup_command TEXT,
			env_vars TEXT,
			default_agent_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS worktrees (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
			path TEXT NOT NULL UNIQUE,
			index_number INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_worktrees_repository ON worktrees(repository_id);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			command_template TEXT NOT NULL,
			continue_template TEXT,
			headless_template TEXT,
			description TEXT,
			is_built_in INTEGER NOT NULL DEFAULT 0,
			activity_patterns TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			location_path TEXT NOT NULL,
			server_pid INTEGER,
			initial_prompt TEXT,
			title TEXT,
			repository_id TEXT,
			worktree_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			pid INTEGER,
			agent_id TEXT,
			base_commit TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workers_session ON workers(session_id);
	`)
	return err
}

func migrateSlackIntegrations(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS repository_slack_integrations (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL UNIQUE REFERENCES repositories(id) ON DELETE CASCADE,
			webhook_url TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	return err
}

func migrateJobQueue(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			next_retry_at INTEGER NOT NULL,
			last_error TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
	`)
	return err
}

func migrateInboundEvents(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_event_notifications (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			worker_id TEXT NOT NULL,
			handler_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_summary TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			notified_at INTEGER,
			UNIQUE(job_id, session_id, worker_id, handler_id)
		);
	`)
	return err
}
