// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

// jsonHandler returns a handler answering with the given payload, after
// recording the request method and path for the test to inspect.
func jsonHandler(t *testing.T, status int, payload interface{}, gotReq *http.Request) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if gotReq != nil {
			*gotReq = *r
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(payload)
	}
}

func TestNew(t *testing.T) {
	c := New("http://localhost:8080")

	if c.BaseURL() != "http://localhost:8080" {
		t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), "http://localhost:8080")
	}

	// Test sub-clients are initialized
	if c.Sessions == nil {
		t.Error("Sessions client is nil")
	}
	if c.Workers == nil {
		t.Error("Workers client is nil")
	}
	if c.Agents == nil {
		t.Error("Agents client is nil")
	}
	if c.Repositories == nil {
		t.Error("Repositories client is nil")
	}
	if c.System == nil {
		t.Error("System client is nil")
	}
}

func TestNewWithOptions(t *testing.T) {
	t.Run("WithTimeout", func(t *testing.T) {
		c := New("http://localhost:8080", WithTimeout(60*time.Second))
		if c.httpClient.Timeout != 60*time.Second {
			t.Errorf("timeout = %v, want 60s", c.httpClient.Timeout)
		}
	})

	t.Run("WithHTTPClient", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := New("http://localhost:8080", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not installed")
		}
	})

	t.Run("trailing slash removed", func(t *testing.T) {
		c := New("http://localhost:8080/")
		if c.BaseURL() != "http://localhost:8080" {
			t.Errorf("BaseURL() = %q, want trailing slash removed", c.BaseURL())
		}
	})
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, http.StatusNotFound,
		map[string]string{"error": "session not found"}, nil))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Sessions.Get(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", apiErr.StatusCode)
	}
	if apiErr.Message != "session not found" {
		t.Errorf("Message = %q, want %q", apiErr.Message, "session not found")
	}
}

func TestAPIErrorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Sessions.List(context.Background())

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Message != "upstream exploded" {
		t.Errorf("Message = %q, want raw body", apiErr.Message)
	}
}

func TestSessionsList(t *testing.T) {
	var got http.Request
	srv := httptest.NewServer(jsonHandler(t, http.StatusOK, map[string]interface{}{
		"sessions": []Session{{ID: "s1", Type: "quick", LocationPath: "/tmp/w"}},
	}, &got))
	defer srv.Close()

	c := New(srv.URL)
	sessions, err := c.Sessions.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got.URL.Path != "/api/sessions" || got.Method != http.MethodGet {
		t.Errorf("request = %s %s, want GET /api/sessions", got.Method, got.URL.Path)
	}
	if len(sessions) != 1 || sessions[0].ID != "s1" {
		t.Errorf("sessions = %+v, want one with id s1", sessions)
	}
}

func TestSessionsCreate(t *testing.T) {
	var got http.Request
	var body CreateSessionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = *r
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session": Session{ID: "s1", Type: "quick", LocationPath: "/tmp/w"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	s, err := c.Sessions.Create(context.Background(), CreateSessionRequest{
		Type:         "quick",
		LocationPath: "/tmp/w",
		AgentID:      "claude-code-builtin",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.Method)
	}
	if body.AgentID != "claude-code-builtin" {
		t.Errorf("request agentId = %q, want claude-code-builtin", body.AgentID)
	}
	if s.ID != "s1" {
		t.Errorf("session id = %q, want s1", s.ID)
	}
}

func TestSessionsPatchAndDelete(t *testing.T) {
	var methods []string
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		paths = append(paths, r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"session": Session{ID: "s1"},
			"success": true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	title := "renamed"
	if _, err := c.Sessions.Patch(context.Background(), "s1", PatchSessionRequest{Title: &title}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if err := c.Sessions.Delete(context.Background(), "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if methods[0] != http.MethodPatch || paths[0] != "/api/sessions/s1" {
		t.Errorf("first request = %s %s, want PATCH /api/sessions/s1", methods[0], paths[0])
	}
	if methods[1] != http.MethodDelete {
		t.Errorf("second method = %s, want DELETE", methods[1])
	}
}

func TestWorkersRoundTrip(t *testing.T) {
	var got http.Request
	srv := httptest.NewServer(jsonHandler(t, http.StatusOK, map[string]interface{}{
		"worker":  Worker{ID: "w1", Type: "terminal", Name: "Terminal 1"},
		"workers": []Worker{{ID: "w1"}},
	}, &got))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	w, err := c.Workers.Create(ctx, "s1", CreateWorkerRequest{Type: "terminal"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if w.Name != "Terminal 1" {
		t.Errorf("worker name = %q", w.Name)
	}
	if got.URL.Path != "/api/sessions/s1/workers" {
		t.Errorf("path = %s, want /api/sessions/s1/workers", got.URL.Path)
	}

	if _, err := c.Workers.Restart(ctx, "s1", "w1", RestartWorkerRequest{ContinueConversation: true}); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got.URL.Path != "/api/sessions/s1/workers/w1/restart" {
		t.Errorf("restart path = %s", got.URL.Path)
	}

	if err := c.Workers.Delete(ctx, "s1", "w1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestAgentsRoundTrip(t *testing.T) {
	var got http.Request
	srv := httptest.NewServer(jsonHandler(t, http.StatusOK, map[string]interface{}{
		"agents": []Agent{{ID: "claude-code-builtin", IsBuiltIn: true}},
		"agent":  Agent{ID: "my-agent", Name: "My Agent"},
	}, &got))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	list, err := c.Agents.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || !list[0].IsBuiltIn {
		t.Errorf("agents = %+v", list)
	}

	a, err := c.Agents.Register(ctx, RegisterAgentRequest{Name: "My Agent", Command: "my-agent {{prompt}}"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.ID != "my-agent" {
		t.Errorf("agent id = %q", a.ID)
	}

	name := "Renamed"
	if _, err := c.Agents.Update(ctx, "my-agent", UpdateAgentRequest{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Method != http.MethodPatch {
		t.Errorf("update method = %s, want PATCH", got.Method)
	}

	if err := c.Agents.Delete(ctx, "my-agent"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestRepositoriesWorktreePathEscaping(t *testing.T) {
	var got http.Request
	srv := httptest.NewServer(jsonHandler(t, http.StatusOK, map[string]bool{"success": true}, &got))
	defer srv.Close()

	c := New(srv.URL)
	err := c.Repositories.DeleteWorktree(context.Background(), "r1", "/home/u/worktrees/fix-1")
	if err != nil {
		t.Fatalf("DeleteWorktree: %v", err)
	}

	// The worktree path must travel as one encoded segment.
	want := "/api/repositories/r1/worktrees/" + url.PathEscape("/home/u/worktrees/fix-1")
	if got.RequestURI != want {
		t.Errorf("request uri = %s, want %s", got.RequestURI, want)
	}
}

func TestSystemConfig(t *testing.T) {
	srv := httptest.NewServer(jsonHandler(t, http.StatusOK, map[string]interface{}{
		"homeDir":   "/home/u/.agent-console",
		"serverPid": 4242,
	}, nil))
	defer srv.Close()

	c := New(srv.URL)
	cfg, err := c.System.Config(context.Background())
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.ServerPid != 4242 {
		t.Errorf("serverPid = %d, want 4242", cfg.ServerPid)
	}
	if cfg.HomeDir != "/home/u/.agent-console" {
		t.Errorf("homeDir = %q", cfg.HomeDir)
	}
}

func TestSendInboundEvent(t *testing.T) {
	var body InboundEventRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	err := c.System.SendInboundEvent(context.Background(), InboundEventRequest{
		JobID:     "job-7",
		SessionID: "s1",
		HandlerID: "pr-comments",
		EventType: "comment",
	})
	if err != nil {
		t.Fatalf("SendInboundEvent: %v", err)
	}
	if body.HandlerID != "pr-comments" {
		t.Errorf("handlerId = %q, want pr-comments", body.HandlerID)
	}
}
