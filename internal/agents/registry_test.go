// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package agents

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingedpig/arbor/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r, err := NewRegistry(st)
	require.NoError(t, err)
	return r
}

func TestBuiltInsSeededOnStartup(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Get(DefaultAgentID)
	require.NoError(t, err)
	assert.True(t, a.IsBuiltIn)
	assert.Contains(t, a.CommandTemplate, PromptPlaceholder)
	require.NotNil(t, a.ActivityPatterns)
	assert.NotEmpty(t, a.ActivityPatterns.AskingPatterns)
}

func TestSeedIsIdempotent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	defer st.Close()

	r, err := NewRegistry(st)
	require.NoError(t, err)
	first, err := r.Get(DefaultAgentID)
	require.NoError(t, err)

	// A second startup refreshes templates but keeps identity.
	r, err = NewRegistry(st)
	require.NoError(t, err)
	second, err := r.Get(DefaultAgentID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	list, err := r.List()
	require.NoError(t, err)
	seen := map[string]int{}
	for _, a := range list {
		seen[a.ID]++
	}
	assert.Equal(t, 1, seen[DefaultAgentID])
}

func TestRegisterCustomAgent(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Register(store.Agent{Name: "My Agent", CommandTemplate: "my-agent"})
	require.NoError(t, err)
	assert.Equal(t, "my-agent", a.ID)
	assert.False(t, a.IsBuiltIn)
	assert.False(t, a.CreatedAt.IsZero())

	got, err := r.Get("my-agent")
	require.NoError(t, err)
	assert.Equal(t, "My Agent", got.Name)
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(store.Agent{CommandTemplate: "x"})
	assert.ErrorContains(t, err, "name is required")

	_, err = r.Register(store.Agent{Name: "X"})
	assert.ErrorContains(t, err, "command is required")

	_, err = r.Register(store.Agent{Name: "Dup", CommandTemplate: "a"})
	require.NoError(t, err)
	_, err = r.Register(store.Agent{Name: "Dup", CommandTemplate: "b"})
	assert.ErrorContains(t, err, "already exists")
}

func TestDeleteBuiltInRefused(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Delete(DefaultAgentID)
	assert.ErrorIs(t, err, ErrBuiltIn)

	// Still there.
	_, err = r.Get(DefaultAgentID)
	assert.NoError(t, err)
}

func TestDeleteCustomAgent(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(store.Agent{Name: "Doomed", CommandTemplate: "doomed"})
	require.NoError(t, err)
	require.NoError(t, r.Delete("doomed"))

	_, err = r.Get("doomed")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, r.Delete("doomed"), ErrNotFound)
}

func TestUpdateBuiltInTemplateRefused(t *testing.T) {
	r := newTestRegistry(t)

	cmd := "evil"
	_, err := r.Update(DefaultAgentID, Patch{CommandTemplate: &cmd})
	assert.ErrorContains(t, err, "built-in")

	desc := "tweaked description"
	a, err := r.Update(DefaultAgentID, Patch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "tweaked description", a.Description)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.Resolve("never-registered")
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentID, a.ID)

	a, err = r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAgentID, a.ID)

	custom, err := r.Register(store.Agent{Name: "Mine", CommandTemplate: "mine"})
	require.NoError(t, err)
	a, err = r.Resolve(custom.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", a.ID)
}

func TestCommandFor(t *testing.T) {
	agent := store.Agent{
		CommandTemplate:  `claude "{{prompt}}"`,
		ContinueTemplate: `claude --continue`,
		HeadlessTemplate: `claude -p "{{prompt}}"`,
	}

	assert.Equal(t, `claude "fix the bug"`, CommandFor(agent, CommandOptions{Prompt: "fix the bug"}))
	assert.Equal(t, `claude --continue`, CommandFor(agent, CommandOptions{Prompt: "ignored", Continue: true}))
	assert.Equal(t, `claude -p "fix"`, CommandFor(agent, CommandOptions{Prompt: "fix", Headless: true}))
	assert.Equal(t, `claude ""`, CommandFor(agent, CommandOptions{}))
}

func TestCommandForEscapesPrompt(t *testing.T) {
	agent := store.Agent{CommandTemplate: `run "{{prompt}}"`}

	got := CommandFor(agent, CommandOptions{Prompt: `say "hi" for $5 and a \`})
	assert.Equal(t, `run "say \"hi\" for \$5 and a \\"`, got)
}

func TestCommandForAppendsWhenNoPlaceholder(t *testing.T) {
	agent := store.Agent{CommandTemplate: "my-agent"}

	assert.Equal(t, `my-agent "do it"`, CommandFor(agent, CommandOptions{Prompt: "do it"}))
	assert.Equal(t, "my-agent", CommandFor(agent, CommandOptions{}))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "my-agent", slugify("My Agent"))
	assert.Equal(t, "gpt-4-turbo", slugify("GPT-4 Turbo!"))
	assert.Equal(t, "a-b", slugify("  a   b  "))
}
