// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client provides a Go client library for the Arbor API.
//
// Arbor hosts multi-agent coding sessions: each session groups PTY workers
// (coding agents, plain terminals, git-diff viewers) around a working
// directory. This client covers the REST surface; terminal streams go over
// WebSocket and are out of scope here.
//
// # Getting Started
//
// Create a client pointing to your Arbor server:
//
//	c := client.New("http://localhost:8080")
//
// The client provides access to different API resources through sub-clients:
//
//	// List all sessions
//	sessions, err := c.Sessions.List(ctx)
//
//	// Add a terminal worker to a session
//	w, err := c.Workers.Create(ctx, sessionID, client.CreateWorkerRequest{Type: "terminal"})
//
//	// Register a custom agent
//	agent, err := c.Agents.Register(ctx, client.RegisterAgentRequest{
//	    Name:    "My Agent",
//	    Command: "my-agent {{prompt}}",
//	})
//
// # Error Handling
//
// API errors are returned as *APIError values carrying the HTTP status and
// the server's message:
//
//	s, err := c.Sessions.Get(ctx, "unknown")
//	if err != nil {
//	    var apiErr *client.APIError
//	    if errors.As(err, &apiErr) {
//	        fmt.Printf("API error %d: %s\n", apiErr.StatusCode, apiErr.Message)
//	    }
//	}
//
// # Context Support
//
// All API methods accept a context.Context for cancellation and timeouts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an Arbor API client.
//
// A Client provides access to the Arbor API through resource-specific
// sub-clients. Use [New] to create a Client instance.
//
// The Client is safe for concurrent use by multiple goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// Sessions provides access to session operations.
	// Sessions group workers around one working directory.
	Sessions *SessionClient

	// Workers provides access to worker operations within a session.
	Workers *WorkerClient

	// Agents provides access to the agent registry.
	// Agents are command templates for coding assistants.
	Agents *AgentClient

	// Repositories provides access to repository and worktree operations.
	Repositories *RepositoryClient

	// System provides access to server info and inbound event webhooks.
	System *SystemClient
}

// Option configures a [Client]. Options are passed to [New] to customize
// client behavior.
type Option func(*Client)

// New creates a new Arbor API client with the given base URL and options.
//
// The baseURL should be the root URL of the Arbor server
// (e.g., "http://localhost:8080"). Any trailing slash is removed.
//
// The default HTTP timeout is 30 seconds; use [WithTimeout] or
// [WithHTTPClient] to customize.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Sessions = &SessionClient{c: c}
	c.Workers = &WorkerClient{c: c}
	c.Agents = &AgentClient{c: c}
	c.Repositories = &RepositoryClient{c: c}
	c.System = &SystemClient{c: c}

	return c
}

// WithHTTPClient sets a custom HTTP client for making requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the HTTP client timeout for all requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// BaseURL returns the base URL of the API.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the Arbor API.
type APIError struct {
	// StatusCode is the HTTP status the server answered with.
	StatusCode int

	// Message is the server's error description.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// get performs a GET request to the given path.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// postJSON performs a POST request with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

// patchJSON performs a PATCH request with a JSON body.
func (c *Client) patchJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPatch, path, bytes.NewReader(data), out)
}

// putJSON performs a PUT request with a JSON body.
func (c *Client) putJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	return c.do(ctx, http.MethodPut, path, bytes.NewReader(data), out)
}

// delete performs a DELETE request to the given path.
func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do performs an HTTP request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
