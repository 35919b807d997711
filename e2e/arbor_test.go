// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wingedpig/arbor/internal/app"
	"github.com/wingedpig/arbor/pkg/client"
)

// bootApp initializes the full application against home and serves its
// router from an httptest server.
func bootApp(t *testing.T, home string) (*app.App, *client.Client) {
	t.Helper()

	application, err := app.New(app.Options{Home: home, Version: "test"})
	require.NoError(t, err)
	require.NoError(t, application.Initialize(context.Background()))
	t.Cleanup(func() {
		application.Shutdown(context.Background())
	})

	srv := httptest.NewServer(application.Server().Router())
	t.Cleanup(srv.Close)

	return application, client.New(srv.URL)
}

func TestServerInfo(t *testing.T) {
	home := t.TempDir()
	_, c := bootApp(t, home)
	ctx := context.Background()

	msg, err := c.System.Version(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg, "test")

	cfg, err := c.System.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, home, cfg.HomeDir)
	assert.Equal(t, os.Getpid(), cfg.ServerPid)
}

func TestSessionAndWorkerLifecycle(t *testing.T) {
	home := t.TempDir()
	// Pin the terminal shell so the test does not depend on $SHELL.
	err := os.WriteFile(filepath.Join(home, "arbor.hjson"), []byte(`{
		workers: { shell: "/bin/sh" }
	}`), 0o644)
	require.NoError(t, err)

	_, c := bootApp(t, home)
	ctx := context.Background()
	workdir := t.TempDir()

	// Create a quick session without an agent worker.
	s, err := c.Sessions.Create(ctx, client.CreateSessionRequest{
		Type:         "quick",
		LocationPath: workdir,
		Title:        "scratch",
	})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "scratch", s.Title)
	require.NotNil(t, s.ServerPid)
	assert.Equal(t, os.Getpid(), *s.ServerPid)

	sessions, err := c.Sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	// Rename it.
	title := "renamed"
	s, err = c.Sessions.Patch(ctx, s.ID, client.PatchSessionRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "renamed", s.Title)

	// Add a terminal worker; it should come back live with a default name.
	w, err := c.Workers.Create(ctx, s.ID, client.CreateWorkerRequest{Type: "terminal"})
	require.NoError(t, err)
	assert.Equal(t, "Terminal 1", w.Name)
	assert.True(t, w.Active)
	assert.Greater(t, w.Pid, 0)

	// Its scrollback file exists as soon as creation returns.
	scrollback := filepath.Join(home, "outputs", s.ID, w.ID+".log")
	_, err = os.Stat(scrollback)
	require.NoError(t, err)

	workers, err := c.Workers.List(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, workers, 1)

	require.NoError(t, c.Workers.Delete(ctx, s.ID, w.ID))

	workers, err = c.Workers.List(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, workers)

	// Delete the session; its id stops resolving.
	require.NoError(t, c.Sessions.Delete(ctx, s.ID))
	_, err = c.Sessions.Get(ctx, s.ID)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSessionCreateRejectsMissingPath(t *testing.T) {
	_, c := bootApp(t, t.TempDir())

	_, err := c.Sessions.Create(context.Background(), client.CreateSessionRequest{
		Type:         "quick",
		LocationPath: "/definitely/not/here",
	})
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "Path does not exist")
}

func TestAgentRegistry(t *testing.T) {
	_, c := bootApp(t, t.TempDir())
	ctx := context.Background()

	list, err := c.Agents.List(ctx)
	require.NoError(t, err)

	var builtin *client.Agent
	for i := range list {
		if list[i].ID == "claude-code-builtin" {
			builtin = &list[i]
		}
	}
	require.NotNil(t, builtin, "built-in agent should be seeded on boot")
	assert.True(t, builtin.IsBuiltIn)

	// Built-ins cannot be deleted.
	err = c.Agents.Delete(ctx, builtin.ID)
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))

	// Custom agents round-trip.
	a, err := c.Agents.Register(ctx, client.RegisterAgentRequest{
		Name:    "Echo Agent",
		Command: "echo {{prompt}}",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo-agent", a.ID)
	assert.False(t, a.IsBuiltIn)

	require.NoError(t, c.Agents.Delete(ctx, a.ID))
}

func TestLegacyStateImportOnBoot(t *testing.T) {
	home := t.TempDir()
	legacy := `[{
		"id": "my-agent",
		"name": "My Agent",
		"commandTemplate": "my-agent {{prompt}}",
		"registeredAt": "2025-05-01T10:00:00Z"
	}]`
	require.NoError(t, os.WriteFile(filepath.Join(home, "agents.json"), []byte(legacy), 0o644))

	_, c := bootApp(t, home)

	list, err := c.Agents.List(context.Background())
	require.NoError(t, err)

	found := false
	for _, a := range list {
		if a.ID == "my-agent" {
			found = true
			assert.Equal(t, "my-agent {{prompt}}", a.CommandTemplate)
		}
	}
	assert.True(t, found, "legacy agent should be imported")

	// The legacy file is consumed exactly once.
	_, err = os.Stat(filepath.Join(home, "agents.json"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(home, "agents.json.migrated"))
	assert.NoError(t, err)
}

func TestAppChannelSendsSyncsOnConnect(t *testing.T) {
	_, c := bootApp(t, t.TempDir())

	wsURL := strings.Replace(c.BaseURL(), "http", "ws", 1) + "/ws/app"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	want := []string{"sessions-sync", "agents-sync", "repositories-sync"}
	for _, expected := range want {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, expected, msg.Type)
	}
}
