// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/store"
)

// AgentHandler handles agent-definition API requests.
type AgentHandler struct {
	registry *agents.Registry
	hub      Broadcaster
}

// NewAgentHandler creates a new agent handler. hub may be nil.
func NewAgentHandler(registry *agents.Registry, hub Broadcaster) *AgentHandler {
	return &AgentHandler{registry: registry, hub: hub}
}

func (h *AgentHandler) broadcast(msgType string, fields map[string]interface{}) {
	if h.hub != nil {
		h.hub.Broadcast(msgType, fields)
	}
}

// List returns all registered agents, built-ins included.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": list})
}

// agentRequest is the wire shape for registering or patching an agent.
// command maps to the {{prompt}} command template.
type agentRequest struct {
	Name             *string                 `json:"name"`
	Command          *string                 `json:"command"`
	ContinueCommand  *string                 `json:"continueCommand"`
	HeadlessCommand  *string                 `json:"headlessCommand"`
	Description      *string                 `json:"description"`
	ActivityPatterns *store.ActivityPatterns `json:"activityPatterns"`
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Create registers a custom agent.
func (h *AgentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := h.registry.Register(store.Agent{
		Name:             strOrEmpty(req.Name),
		CommandTemplate:  strOrEmpty(req.Command),
		ContinueTemplate: strOrEmpty(req.ContinueCommand),
		HeadlessTemplate: strOrEmpty(req.HeadlessCommand),
		Description:      strOrEmpty(req.Description),
		ActivityPatterns: req.ActivityPatterns,
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.broadcast("agent-created", map[string]interface{}{"agent": agent})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"agent": agent})
}

// Patch updates an agent definition.
func (h *AgentHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	agent, err := h.registry.Update(id, agents.Patch{
		Name:             req.Name,
		CommandTemplate:  req.Command,
		ContinueTemplate: req.ContinueCommand,
		HeadlessTemplate: req.HeadlessCommand,
		Description:      req.Description,
		ActivityPatterns: req.ActivityPatterns,
	})
	if err != nil {
		writeAgentError(w, err)
		return
	}
	h.broadcast("agent-updated", map[string]interface{}{"agent": agent})
	WriteJSON(w, http.StatusOK, map[string]interface{}{"agent": agent})
}

// Delete removes a custom agent. Built-ins are refused.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.registry.Delete(id); err != nil {
		writeAgentError(w, err)
		return
	}
	h.broadcast("agent-deleted", map[string]interface{}{"agentId": id})
	WriteSuccess(w)
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrNotFound):
		WriteError(w, http.StatusNotFound, "agent not found")
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}
