// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateRepository inserts one repository row.
func (s *Store) CreateRepository(r Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := marshalEnvVars(r.EnvVars)
	if err != nil {
		return fmt.Errorf("encoding env vars for repository %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO repositories (id, name, path, description, setup_command, cleanup_command, env_vars, default_agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Path, nullStr(r.Description), nullStr(r.SetupCommand), nullStr(r.CleanupCommand),
		env, nullStr(r.DefaultAgentID), toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting repository %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRepository rewrites an existing repository row.
func (s *Store) UpdateRepository(r Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, err := marshalEnvVars(r.EnvVars)
	if err != nil {
		return fmt.Errorf("encoding env vars for repository %s: %w", r.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE repositories SET name = ?, path = ?, description = ?, setup_command = ?, cleanup_command = ?,
			env_vars = ?, default_agent_id = ?, updated_at = ?
		WHERE id = ?`,
		r.Name, r.Path, nullStr(r.Description), nullStr(r.SetupCommand), nullStr(r.CleanupCommand),
		env, nullStr(r.DefaultAgentID), toMillis(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("updating repository %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("repository %s not found", r.ID)
	}
	return nil
}

// GetRepository returns one repository row, or nil when absent.
func (s *Store) GetRepository(id string) (*Repository, error) {
	row := s.db.QueryRow(repoSelect+` WHERE id = ?`, id)
	return scanRepoMaybe(row, id)
}

// GetRepositoryByPath returns the repository registered at path, or nil.
func (s *Store) GetRepositoryByPath(path string) (*Repository, error) {
	row := s.db.QueryRow(repoSelect+` WHERE path = ?`, path)
	return scanRepoMaybe(row, path)
}

// ListRepositories returns all repository rows ordered by name.
func (s *Store) ListRepositories() ([]Repository, error) {
	rows, err := s.db.Query(repoSelect + ` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// DeleteRepository removes a repository row. Worktree and slack integration
// rows cascade.
func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM repositories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting repository %s: %w", id, err)
	}
	return nil
}

// CreateWorktree inserts one worktree row.
func (s *Store) CreateWorktree(w Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO worktrees (id, repository_id, path, index_number, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		w.ID, w.RepositoryID, w.Path, w.IndexNumber, toMillis(w.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting worktree %s: %w", w.ID, err)
	}
	return nil
}

// GetWorktreeByPath returns the worktree registered at path, or nil.
func (s *Store) GetWorktreeByPath(path string) (*Worktree, error) {
	row := s.db.QueryRow(`
		SELECT id, repository_id, path, index_number, created_at
		FROM worktrees WHERE path = ?`, path)
	var (
		w       Worktree
		created int64
	)
	err := row.Scan(&w.ID, &w.RepositoryID, &w.Path, &w.IndexNumber, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading worktree at %s: %w", path, err)
	}
	w.CreatedAt = fromMillis(created)
	return &w, nil
}

// ListWorktrees returns the worktree rows for one repository ordered by
// index number.
func (s *Store) ListWorktrees(repositoryID string) ([]Worktree, error) {
	rows, err := s.db.Query(`
		SELECT id, repository_id, path, index_number, created_at
		FROM worktrees WHERE repository_id = ? ORDER BY index_number`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees for repository %s: %w", repositoryID, err)
	}
	defer rows.Close()

	var out []Worktree
	for rows.Next() {
		var (
			w       Worktree
			created int64
		)
		if err := rows.Scan(&w.ID, &w.RepositoryID, &w.Path, &w.IndexNumber, &created); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		w.CreatedAt = fromMillis(created)
		out = append(out, w)
	}
	return out, rows.Err()
}

// NextWorktreeIndex returns one past the highest index number used by the
// repository's worktrees, starting at 1.
func (s *Store) NextWorktreeIndex(repositoryID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(index_number) FROM worktrees WHERE repository_id = ?`, repositoryID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("reading worktree indexes for repository %s: %w", repositoryID, err)
	}
	return int(max.Int64) + 1, nil
}

// DeleteWorktreeByPath removes one worktree row.
func (s *Store) DeleteWorktreeByPath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM worktrees WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting worktree at %s: %w", path, err)
	}
	return nil
}

// UpsertSlackIntegration creates or replaces the repository's slack
// integration.
func (s *Store) UpsertSlackIntegration(si SlackIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO repository_slack_integrations (id, repository_id, webhook_url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		si.ID, si.RepositoryID, si.WebhookURL, boolInt(si.Enabled), toMillis(si.CreatedAt), toMillis(si.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting slack integration for repository %s: %w", si.RepositoryID, err)
	}
	return nil
}

// GetSlackIntegration returns the repository's slack integration, or nil.
func (s *Store) GetSlackIntegration(repositoryID string) (*SlackIntegration, error) {
	row := s.db.QueryRow(`
		SELECT id, repository_id, webhook_url, enabled, created_at, updated_at
		FROM repository_slack_integrations WHERE repository_id = ?`, repositoryID)
	var (
		si      SlackIntegration
		enabled int
		created int64
		updated int64
	)
	err := row.Scan(&si.ID, &si.RepositoryID, &si.WebhookURL, &enabled, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading slack integration for repository %s: %w", repositoryID, err)
	}
	si.Enabled = enabled != 0
	si.CreatedAt = fromMillis(created)
	si.UpdatedAt = fromMillis(updated)
	return &si, nil
}

// DeleteSlackIntegration removes the repository's slack integration.
func (s *Store) DeleteSlackIntegration(repositoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM repository_slack_integrations WHERE repository_id = ?`, repositoryID); err != nil {
		return fmt.Errorf("deleting slack integration for repository %s: %w", repositoryID, err)
	}
	return nil
}

const repoSelect = `
	SELECT id, name, path, description, setup_command, cleanup_command, env_vars, default_agent_id, created_at, updated_at
	FROM repositories`

func scanRepoMaybe(row rowScanner, key string) (*Repository, error) {
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository %s: %w", key, err)
	}
	return r, nil
}

func scanRepo(row rowScanner) (*Repository, error) {
	var (
		r            Repository
		description  sql.NullString
		setupCmd     sql.NullString
		cleanupCmd   sql.NullString
		envVars      sql.NullString
		defaultAgent sql.NullString
		created      int64
		updated      int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Path, &description, &setupCmd, &cleanupCmd,
		&envVars, &defaultAgent, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.SetupCommand = setupCmd.String
	r.CleanupCommand = cleanupCmd.String
	r.EnvVars = unmarshalEnvVars(envVars)
	r.DefaultAgentID = defaultAgent.String
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func marshalEnvVars(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
