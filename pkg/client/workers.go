// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/url"
)

// WorkerClient provides access to worker operations within a session.
//
// Workers are the terminal-producing units of a session: coding agents,
// plain shells, git-diff viewers. Terminal I/O itself streams over the
// worker WebSocket channel, not this client.
//
// Access this client through [Client.Workers]:
//
//	workers, err := client.Workers.List(ctx, sessionID)
type WorkerClient struct {
	c *Client
}

func workerPath(sessionID string, parts ...string) string {
	p := "/api/sessions/" + url.PathEscape(sessionID) + "/workers"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// List returns the session's workers in creation order.
func (w *WorkerClient) List(ctx context.Context, sessionID string) ([]Worker, error) {
	var resp struct {
		Workers []Worker `json:"workers"`
	}
	if err := w.c.get(ctx, workerPath(sessionID), &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Create adds a worker to the session. PTY workers are live when this
// returns.
func (w *WorkerClient) Create(ctx context.Context, sessionID string, req CreateWorkerRequest) (*Worker, error) {
	var resp struct {
		Worker Worker `json:"worker"`
	}
	if err := w.c.postJSON(ctx, workerPath(sessionID), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Worker, nil
}

// Delete kills the worker and schedules its scrollback cleanup.
func (w *WorkerClient) Delete(ctx context.Context, sessionID, workerID string) error {
	return w.c.delete(ctx, workerPath(sessionID, workerID))
}

// Restart replaces an agent worker's process, optionally switching agents,
// continuing the previous conversation, or renaming the session branch.
// The worker keeps its id and creation time.
func (w *WorkerClient) Restart(ctx context.Context, sessionID, workerID string, req RestartWorkerRequest) (*Worker, error) {
	var resp struct {
		Worker Worker `json:"worker"`
	}
	if err := w.c.postJSON(ctx, workerPath(sessionID, workerID)+"/restart", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Worker, nil
}
