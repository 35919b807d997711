// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"net/url"
)

// AgentClient provides access to the agent registry.
//
// Agents are command templates for coding assistants. Built-in agents ship
// with the server; custom ones can be registered, updated and deleted.
//
// Access this client through [Client.Agents]:
//
//	agents, err := client.Agents.List(ctx)
type AgentClient struct {
	c *Client
}

// List returns all registered agents, built-ins included.
func (a *AgentClient) List(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	if err := a.c.get(ctx, "/api/agents", &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Register adds a custom agent. The id is derived from the name.
func (a *AgentClient) Register(ctx context.Context, req RegisterAgentRequest) (*Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	if err := a.c.postJSON(ctx, "/api/agents", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// Update patches an agent definition. Built-in agents only accept activity
// pattern overrides; their command templates are immutable.
func (a *AgentClient) Update(ctx context.Context, id string, req UpdateAgentRequest) (*Agent, error) {
	var resp struct {
		Agent Agent `json:"agent"`
	}
	if err := a.c.patchJSON(ctx, "/api/agents/"+url.PathEscape(id), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// Delete removes a custom agent. Deleting a built-in returns an error.
func (a *AgentClient) Delete(ctx context.Context, id string) error {
	return a.c.delete(ctx, "/api/agents/"+url.PathEscape(id))
}
