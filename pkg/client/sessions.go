// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/url"
)

// SessionClient provides access to session operations.
//
// A session groups workers around one working directory: a registered
// worktree for repository work, or any local path for quick sessions.
//
// Access this client through [Client.Sessions]:
//
//	sessions, err := client.Sessions.List(ctx)
type SessionClient struct {
	c *Client
}

// List returns all sessions with their workers.
func (s *SessionClient) List(ctx context.Context) ([]Session, error) {
	var resp struct {
		Sessions []Session `json:"sessions"`
	}
	if err := s.c.get(ctx, "/api/sessions", &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Get returns a specific session by id.
func (s *SessionClient) Get(ctx context.Context, id string) (*Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	if err := s.c.get(ctx, "/api/sessions/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// Create registers a new session. When req.AgentID is set, an agent worker
// is spawned in it before this returns.
func (s *SessionClient) Create(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	if err := s.c.postJSON(ctx, "/api/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// Patch updates a session's title and, for worktree sessions, renames its
// git branch.
func (s *SessionClient) Patch(ctx context.Context, id string, req PatchSessionRequest) (*Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	if err := s.c.patchJSON(ctx, "/api/sessions/"+url.PathEscape(id), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Session, nil
}

// Delete removes the session, kills its live workers and removes their
// scrollback files.
func (s *SessionClient) Delete(ctx context.Context, id string) error {
	return s.c.delete(ctx, "/api/sessions/"+url.PathEscape(id))
}
