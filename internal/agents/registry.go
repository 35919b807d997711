// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package agents manages the registry of agent definitions: the command
// templates and activity patterns used to launch coding agents inside
// workers.
package agents

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/wingedpig/arbor/internal/store"
)

var (
	// ErrNotFound means no agent with the given id exists.
	ErrNotFound = errors.New("agent not found")
	// ErrBuiltIn means the operation is not allowed on built-in agents.
	ErrBuiltIn = errors.New("built-in agents cannot be deleted")
)

// PromptPlaceholder is substituted with the user's prompt when a command
// template is expanded.
const PromptPlaceholder = "{{prompt}}"

// Registry provides CRUD over agent definitions and resolves ids to
// runnable commands. Built-ins are re-seeded at construction so template
// fixes ship with upgrades.
type Registry struct {
	store *store.Store

	mu sync.Mutex
}

// NewRegistry builds the registry and seeds the built-in agents.
func NewRegistry(st *store.Store) (*Registry, error) {
	r := &Registry{store: st}
	if err := r.seedBuiltIns(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) seedBuiltIns() error {
	for _, b := range builtInAgents() {
		existing, err := r.store.GetAgent(b.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if existing == nil {
			b.CreatedAt = now
			b.UpdatedAt = now
			if err := r.store.CreateAgent(b); err != nil {
				return fmt.Errorf("seeding built-in agent %s: %w", b.ID, err)
			}
			continue
		}
		// Refresh templates and patterns in place, keeping user-visible
		// fields like the creation time.
		b.CreatedAt = existing.CreatedAt
		b.UpdatedAt = now
		if err := r.store.UpdateAgent(b); err != nil {
			return fmt.Errorf("refreshing built-in agent %s: %w", b.ID, err)
		}
	}
	return nil
}

// List returns all agent definitions, built-ins first.
func (r *Registry) List() ([]store.Agent, error) {
	return r.store.ListAgents()
}

// Get returns one agent definition.
func (r *Registry) Get(id string) (store.Agent, error) {
	a, err := r.store.GetAgent(id)
	if err != nil {
		return store.Agent{}, err
	}
	if a == nil {
		return store.Agent{}, ErrNotFound
	}
	return *a, nil
}

// Resolve returns the agent for id, falling back to the default built-in
// when the id is empty or no longer registered. The fallback is logged so
// a worker silently switching agents is visible.
func (r *Registry) Resolve(id string) (store.Agent, error) {
	if id == "" {
		return r.Get(DefaultAgentID)
	}
	a, err := r.store.GetAgent(id)
	if err != nil {
		return store.Agent{}, err
	}
	if a == nil {
		log.Printf("Agent registry: agent %s not found, falling back to %s", id, DefaultAgentID)
		return r.Get(DefaultAgentID)
	}
	return *a, nil
}

// Register adds a user-defined agent. The id is derived from the name when
// not supplied. IsBuiltIn is always forced off.
func (r *Registry) Register(a store.Agent) (store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(a.Name) == "" {
		return store.Agent{}, errors.New("agent name is required")
	}
	if strings.TrimSpace(a.CommandTemplate) == "" {
		return store.Agent{}, errors.New("agent command is required")
	}
	if a.ID == "" {
		a.ID = slugify(a.Name)
	}
	existing, err := r.store.GetAgent(a.ID)
	if err != nil {
		return store.Agent{}, err
	}
	if existing != nil {
		return store.Agent{}, fmt.Errorf("agent %s already exists", a.ID)
	}
	if err := validatePatterns(a.ActivityPatterns); err != nil {
		return store.Agent{}, err
	}

	now := time.Now().UTC()
	a.IsBuiltIn = false
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := r.store.CreateAgent(a); err != nil {
		return store.Agent{}, err
	}
	return a, nil
}

// Patch carries partial updates to an agent definition. Nil fields are
// left unchanged.
type Patch struct {
	Name             *string
	CommandTemplate  *string
	ContinueTemplate *string
	HeadlessTemplate *string
	Description      *string
	ActivityPatterns *store.ActivityPatterns
}

// Update applies a patch. Built-in agents only accept description and
// activity pattern changes; their templates are owned by the release.
func (r *Registry) Update(id string, p Patch) (store.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetAgent(id)
	if err != nil {
		return store.Agent{}, err
	}
	if existing == nil {
		return store.Agent{}, ErrNotFound
	}
	a := *existing
	if a.IsBuiltIn && (p.Name != nil || p.CommandTemplate != nil || p.ContinueTemplate != nil || p.HeadlessTemplate != nil) {
		return store.Agent{}, errors.New("built-in agent templates cannot be modified")
	}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return store.Agent{}, errors.New("agent name is required")
		}
		a.Name = *p.Name
	}
	if p.CommandTemplate != nil {
		if strings.TrimSpace(*p.CommandTemplate) == "" {
			return store.Agent{}, errors.New("agent command is required")
		}
		a.CommandTemplate = *p.CommandTemplate
	}
	if p.ContinueTemplate != nil {
		a.ContinueTemplate = *p.ContinueTemplate
	}
	if p.HeadlessTemplate != nil {
		a.HeadlessTemplate = *p.HeadlessTemplate
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.ActivityPatterns != nil {
		if err := validatePatterns(p.ActivityPatterns); err != nil {
			return store.Agent{}, err
		}
		a.ActivityPatterns = p.ActivityPatterns
	}
	a.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateAgent(a); err != nil {
		return store.Agent{}, err
	}
	return a, nil
}

// Delete removes a user-defined agent. Built-ins are not deletable.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.GetAgent(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrNotFound
	}
	if existing.IsBuiltIn {
		return ErrBuiltIn
	}
	return r.store.DeleteAgent(id)
}

// CommandOptions selects which template to expand and with what prompt.
type CommandOptions struct {
	Prompt string
	// Continue resumes the agent's previous conversation when the agent
	// has a continue template.
	Continue bool
	// Headless selects the non-interactive template when present.
	Headless bool
}

// CommandFor expands the agent's template into a shell command. Templates
// without the {{prompt}} placeholder get a non-empty prompt appended as a
// quoted argument.
func CommandFor(a store.Agent, opts CommandOptions) string {
	template := a.CommandTemplate
	switch {
	case opts.Headless && a.HeadlessTemplate != "":
		template = a.HeadlessTemplate
	case opts.Continue && a.ContinueTemplate != "":
		template = a.ContinueTemplate
	}

	if strings.Contains(template, PromptPlaceholder) {
		return strings.ReplaceAll(template, PromptPlaceholder, escapePrompt(opts.Prompt))
	}
	if opts.Prompt != "" {
		return template + ` "` + escapePrompt(opts.Prompt) + `"`
	}
	return template
}

// AskingPatterns returns the agent's asking regexes, or nil when it has
// none.
func AskingPatterns(a store.Agent) []string {
	if a.ActivityPatterns == nil {
		return nil
	}
	return a.ActivityPatterns.AskingPatterns
}

// escapePrompt makes a prompt safe inside double quotes in a shell
// command line.
func escapePrompt(prompt string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"$", `\$`,
		"`", "\\`",
	)
	return replacer.Replace(prompt)
}

func validatePatterns(p *store.ActivityPatterns) error {
	if p == nil {
		return nil
	}
	for _, pattern := range p.AskingPatterns {
		if strings.TrimSpace(pattern) == "" {
			return errors.New("asking patterns must not be empty")
		}
	}
	return nil
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
