// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/wingedpig/arbor/internal/session"
)

// WorkerHandler handles worker-related API requests.
type WorkerHandler struct {
	sessions  *session.Manager
	lifecycle *session.Lifecycle
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(sessions *session.Manager, lifecycle *session.Lifecycle) *WorkerHandler {
	return &WorkerHandler{sessions: sessions, lifecycle: lifecycle}
}

// List returns the session's workers in creation order.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, ok := h.sessions.GetView(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workers": view.Workers})
}

// Create adds a worker to the session. PTY workers are activated before
// this returns.
func (h *WorkerHandler) Create(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req session.CreateWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := h.lifecycle.CreateWorker(id, req, false, "")
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"worker": view})
}

// Delete kills the worker and schedules its scrollback cleanup.
func (h *WorkerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.lifecycle.DeleteWorker(vars["id"], vars["wid"]); err != nil {
		writeSessionError(w, err)
		return
	}
	WriteSuccess(w)
}

// Restart replaces an agent worker's process, optionally switching agents
// or renaming the session branch.
func (h *WorkerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var req session.RestartRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := h.lifecycle.RestartAgentWorker(vars["id"], vars["wid"], req)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrWorkerNotFound) {
			writeSessionError(w, err)
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"worker": view})
}
