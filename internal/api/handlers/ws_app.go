// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/repo"
	"github.com/wingedpig/arbor/internal/session"
	"github.com/wingedpig/arbor/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
	wsWriteTimeout = 10 * time.Second
)

// Broadcaster fans one-shot events out to every app-channel client.
type Broadcaster interface {
	Broadcast(msgType string, fields map[string]interface{})
}

// appClient is one connected app-channel socket. gorilla/websocket allows
// a single concurrent writer, so every write goes through mu.
type appClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *appClient) send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *appClient) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout))
}

// AppSocket is the app-channel hub: a broadcast-only sink for session,
// agent and repository lifecycle events.
type AppSocket struct {
	sessions *session.Manager
	registry *agents.Registry
	repos    *repo.Manager

	mu      sync.Mutex
	clients map[*appClient]struct{}
}

// NewAppSocket creates the app-channel hub.
func NewAppSocket(sessions *session.Manager, registry *agents.Registry, repos *repo.Manager) *AppSocket {
	return &AppSocket{
		sessions: sessions,
		registry: registry,
		repos:    repos,
		clients:  make(map[*appClient]struct{}),
	}
}

// envelope builds one wire message: the type tag plus payload fields.
func envelope(msgType string, fields map[string]interface{}) []byte {
	msg := make(map[string]interface{}, len(fields)+1)
	msg["type"] = msgType
	for k, v := range fields {
		msg[k] = v
	}
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("App WebSocket: marshaling %s: %v", msgType, err)
		return nil
	}
	return b
}

// WebSocket handles one app-channel connection. The three sync snapshots
// are sent before the client is registered for broadcasts, so it can never
// receive a delete for a session it never learned about.
func (h *AppSocket) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("App WebSocket: upgrade failed: %v", err)
		return
	}
	client := &appClient{conn: conn}

	if err := h.sendSyncs(client); err != nil {
		log.Printf("App WebSocket: initial sync failed: %v", err)
		conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.drop(client)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			case <-stopPing:
				return
			}
		}
	}()

	// The app channel is server-to-client; inbound messages are drained
	// only to detect close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *AppSocket) sendSyncs(client *appClient) error {
	if err := client.send(envelope("sessions-sync", map[string]interface{}{
		"sessions": h.sessions.ListViews(),
	})); err != nil {
		return err
	}

	agentList, err := h.registry.List()
	if err != nil {
		log.Printf("App WebSocket: listing agents for sync: %v", err)
		agentList = []store.Agent{}
	}
	if err := client.send(envelope("agents-sync", map[string]interface{}{
		"agents": agentList,
	})); err != nil {
		return err
	}

	repoList, err := h.repos.List()
	if err != nil {
		log.Printf("App WebSocket: listing repositories for sync: %v", err)
		repoList = []store.Repository{}
	}
	return client.send(envelope("repositories-sync", map[string]interface{}{
		"repositories": repoList,
	}))
}

// Broadcast sends one message to every connected client. Sockets that fail
// the write are pruned.
func (h *AppSocket) Broadcast(msgType string, fields map[string]interface{}) {
	msg := envelope(msgType, fields)
	if msg == nil {
		return
	}

	h.mu.Lock()
	clients := make([]*appClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Printf("App WebSocket: dropping client after write error: %v", err)
			h.drop(c)
			c.conn.Close()
		}
	}
}

func (h *AppSocket) drop(c *appClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Shutdown closes every client socket so the HTTP server can drain.
func (h *AppSocket) Shutdown() {
	h.mu.Lock()
	clients := make([]*appClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*appClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
