// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import "context"

// SystemClient provides access to server info and the inbound event
// webhook.
//
// Access this client through [Client.System]:
//
//	cfg, err := client.System.Config(ctx)
type SystemClient struct {
	c *Client
}

// Config returns the server's home directory and pid.
func (s *SystemClient) Config(ctx context.Context) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := s.c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Version returns the server's greeting line, which carries its version.
func (s *SystemClient) Version(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := s.c.get(ctx, "/api", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// SendInboundEvent records an external event (a PR comment, a CI failure)
// for delivery to the session's notification channels. Re-sending the same
// (job, session, worker, handler) tuple is a safe no-op.
func (s *SystemClient) SendInboundEvent(ctx context.Context, req InboundEventRequest) error {
	return s.c.postJSON(ctx, "/api/events/inbound", req, nil)
}
