// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// CreateAgent inserts one agent definition.
func (s *Store) CreateAgent(a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	patterns, err := marshalPatterns(a.ActivityPatterns)
	if err != nil {
		return fmt.Errorf("encoding activity patterns for agent %s: %w", a.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, command_template, continue_template, headless_template, description, is_built_in, activity_patterns, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.CommandTemplate, nullStr(a.ContinueTemplate), nullStr(a.HeadlessTemplate),
		nullStr(a.Description), boolInt(a.IsBuiltIn), patterns, toMillis(a.CreatedAt), toMillis(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("inserting agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgent rewrites an existing agent definition.
func (s *Store) UpdateAgent(a Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	patterns, err := marshalPatterns(a.ActivityPatterns)
	if err != nil {
		return fmt.Errorf("encoding activity patterns for agent %s: %w", a.ID, err)
	}
	res, err := s.db.Exec(`
		UPDATE agents SET name = ?, command_template = ?, continue_template = ?, headless_template = ?,
			description = ?, is_built_in = ?, activity_patterns = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.CommandTemplate, nullStr(a.ContinueTemplate), nullStr(a.HeadlessTemplate),
		nullStr(a.Description), boolInt(a.IsBuiltIn), patterns, toMillis(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("updating agent %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s not found", a.ID)
	}
	return nil
}

// GetAgent returns one agent definition, or nil when absent.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(agentSelect+` WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns all agent definitions, built-ins first.
func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(agentSelect + ` ORDER BY is_built_in DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAgent removes one agent definition.
func (s *Store) DeleteAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	return nil
}

const agentSelect = `
	SELECT id, name, command_template, continue_template, headless_template, description, is_built_in, activity_patterns, created_at, updated_at
	FROM agents`

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a            Agent
		continueTmpl sql.NullString
		headlessTmpl sql.NullString
		description  sql.NullString
		builtIn      int
		patterns     sql.NullString
		created      int64
		updated      int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.CommandTemplate, &continueTmpl, &headlessTmpl,
		&description, &builtIn, &patterns, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.ContinueTemplate = continueTmpl.String
	a.HeadlessTemplate = headlessTmpl.String
	a.Description = description.String
	a.IsBuiltIn = builtIn != 0
	if patterns.Valid && patterns.String != "" {
		var p ActivityPatterns
		if err := json.Unmarshal([]byte(patterns.String), &p); err != nil {
			log.Printf("Store: ignoring malformed activity patterns for agent %s: %v", a.ID, err)
		} else {
			a.ActivityPatterns = &p
		}
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func marshalPatterns(p *ActivityPatterns) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
