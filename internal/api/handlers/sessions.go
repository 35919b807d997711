// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/wingedpig/arbor/internal/session"
	"github.com/wingedpig/arbor/internal/worker"
)

// SessionHandler handles session-related API requests.
type SessionHandler struct {
	sessions  *session.Manager
	lifecycle *session.Lifecycle
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *session.Manager, lifecycle *session.Lifecycle) *SessionHandler {
	return &SessionHandler{sessions: sessions, lifecycle: lifecycle}
}

// List returns all sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.sessions.ListViews(),
	})
}

// createSessionRequest adds the first-worker agent to the session fields.
type createSessionRequest struct {
	session.CreateRequest
	AgentID string `json:"agentId,omitempty"`
}

// Create registers a new session. When agentId is given, an agent worker
// is spawned in it immediately so the client lands on a live terminal.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := h.sessions.CreateSession(req.CreateRequest)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.AgentID != "" {
		_, err := h.lifecycle.CreateWorker(view.ID, session.CreateWorkerRequest{
			Type:    worker.TypeAgent,
			AgentID: req.AgentID,
		}, false, view.InitialPrompt)
		if err != nil {
			// The session exists and is usable; the client can retry or
			// delete it.
			log.Printf("API: spawning initial worker for session %s: %v", view.ID, err)
		}
	}

	if fresh, ok := h.sessions.GetView(view.ID); ok {
		view = fresh
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"session": view})
}

// Get returns one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, ok := h.sessions.GetView(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"session": view})
}

// patchSessionRequest distinguishes absent fields from empty ones.
type patchSessionRequest struct {
	Title  *string `json:"title"`
	Branch *string `json:"branch"`
}

// Patch updates a session's title and, for worktree sessions, renames its
// git branch.
func (h *SessionHandler) Patch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == nil && req.Branch == nil {
		WriteError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Branch != nil && strings.TrimSpace(*req.Branch) == "" {
		WriteError(w, http.StatusBadRequest, "branch cannot be empty")
		return
	}

	view, ok := h.sessions.GetView(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	if req.Title != nil {
		updated, err := h.sessions.PatchSession(id, session.Patch{Title: req.Title})
		if err != nil {
			writeSessionError(w, err)
			return
		}
		view = updated
	}
	if req.Branch != nil {
		updated, err := h.lifecycle.RenameBranch(id, *req.Branch)
		if err != nil {
			writeSessionError(w, err)
			return
		}
		view = updated
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"session": view})
}

// Delete tears down the session and its workers.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.sessions.DeleteSession(id); err != nil {
		writeSessionError(w, err)
		return
	}
	WriteSuccess(w)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		WriteError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrWorkerNotFound):
		WriteError(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, session.ErrJobQueueUnavailable):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
