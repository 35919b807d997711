// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/url"
)

// RepositoryClient provides access to repository and worktree operations.
//
// Repositories are registered by local path; worktrees are created from
// them under the server's home directory for isolated session work.
//
// Access this client through [Client.Repositories]:
//
//	repos, err := client.Repositories.List(ctx)
type RepositoryClient struct {
	c *Client
}

// List returns all registered repositories.
func (r *RepositoryClient) List(ctx context.Context) ([]Repository, error) {
	var resp struct {
		Repositories []Repository `json:"repositories"`
	}
	if err := r.c.get(ctx, "/api/repositories", &resp); err != nil {
		return nil, err
	}
	return resp.Repositories, nil
}

// Add registers the git repository at path.
func (r *RepositoryClient) Add(ctx context.Context, path string) (*Repository, error) {
	var resp struct {
		Repository Repository `json:"repository"`
	}
	req := struct {
		Path string `json:"path"`
	}{Path: path}
	if err := r.c.postJSON(ctx, "/api/repositories", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Repository, nil
}

// Remove unregisters the repository. Nothing on disk is removed.
func (r *RepositoryClient) Remove(ctx context.Context, id string) error {
	return r.c.delete(ctx, "/api/repositories/"+url.PathEscape(id))
}

// ListWorktrees returns the repository's worktrees.
func (r *RepositoryClient) ListWorktrees(ctx context.Context, id string) ([]Worktree, error) {
	var resp struct {
		Worktrees []Worktree `json:"worktrees"`
	}
	if err := r.c.get(ctx, "/api/repositories/"+url.PathEscape(id)+"/worktrees", &resp); err != nil {
		return nil, err
	}
	return resp.Worktrees, nil
}

// CreateWorktree adds a git worktree for the repository and runs the
// repository's setup command in it.
func (r *RepositoryClient) CreateWorktree(ctx context.Context, id string, req CreateWorktreeRequest) (*Worktree, error) {
	var resp struct {
		Worktree Worktree `json:"worktree"`
	}
	if err := r.c.postJSON(ctx, "/api/repositories/"+url.PathEscape(id)+"/worktrees", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Worktree, nil
}

// DeleteWorktree runs the repository's cleanup command in the worktree,
// removes it from git and unregisters it. The path is the worktree's
// absolute filesystem path.
func (r *RepositoryClient) DeleteWorktree(ctx context.Context, id, path string) error {
	return r.c.delete(ctx, "/api/repositories/"+url.PathEscape(id)+"/worktrees/"+url.PathEscape(path))
}

// GetSlackIntegration returns the repository's notification webhook, if
// configured.
func (r *RepositoryClient) GetSlackIntegration(ctx context.Context, id string) (*SlackIntegration, error) {
	var resp struct {
		SlackIntegration SlackIntegration `json:"slackIntegration"`
	}
	if err := r.c.get(ctx, "/api/repositories/"+url.PathEscape(id)+"/slack-integration", &resp); err != nil {
		return nil, err
	}
	return &resp.SlackIntegration, nil
}

// SetSlackIntegration creates or replaces the repository's webhook.
func (r *RepositoryClient) SetSlackIntegration(ctx context.Context, id string, req SetSlackIntegrationRequest) (*SlackIntegration, error) {
	var resp struct {
		SlackIntegration SlackIntegration `json:"slackIntegration"`
	}
	if err := r.c.putJSON(ctx, "/api/repositories/"+url.PathEscape(id)+"/slack-integration", req, &resp); err != nil {
		return nil, err
	}
	return &resp.SlackIntegration, nil
}

// DeleteSlackIntegration removes the repository's webhook.
func (r *RepositoryClient) DeleteSlackIntegration(ctx context.Context, id string) error {
	return r.c.delete(ctx, "/api/repositories/"+url.PathEscape(id)+"/slack-integration")
}
