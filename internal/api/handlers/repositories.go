// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/wingedpig/arbor/internal/repo"
)

// RepositoryHandler handles repository and worktree API requests.
type RepositoryHandler struct {
	repos *repo.Manager
	hub   Broadcaster
}

// NewRepositoryHandler creates a new repository handler. hub may be nil.
func NewRepositoryHandler(repos *repo.Manager, hub Broadcaster) *RepositoryHandler {
	return &RepositoryHandler{repos: repos, hub: hub}
}

func (h *RepositoryHandler) broadcast(msgType string, fields map[string]interface{}) {
	if h.hub != nil {
		h.hub.Broadcast(msgType, fields)
	}
}

// List returns all registered repositories.
func (h *RepositoryHandler) List(w http.ResponseWriter, r *http.Request) {
	repos, err := h.repos.List()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

// Create registers a git repository by path.
func (h *RepositoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	repository, err := h.repos.Add(req.Path)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.broadcast("repository-created", map[string]interface{}{"repository": repository})
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"repository": repository})
}

// Delete unregisters the repository. Worktree and integration rows cascade
// away; nothing on disk is removed.
func (h *RepositoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repos.Remove(id); err != nil {
		writeRepoError(w, err)
		return
	}
	h.broadcast("repository-deleted", map[string]interface{}{"repositoryId": id})
	WriteSuccess(w)
}

// ListWorktrees returns the repository's worktrees.
func (h *RepositoryHandler) ListWorktrees(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	worktrees, err := h.repos.ListWorktrees(id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"worktrees": worktrees})
}

// createWorktreeRequest accepts initialPrompt for session-creation flows
// that pass it through; worktree creation itself does not use it.
type createWorktreeRequest struct {
	Mode          string `json:"mode"`
	Branch        string `json:"branch,omitempty"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
}

// CreateWorktree adds a git worktree under the app home.
func (h *RepositoryHandler) CreateWorktree(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req createWorktreeRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wt, err := h.repos.CreateWorktree(id, repo.CreateWorktreeRequest{
		Mode:   req.Mode,
		Branch: req.Branch,
	})
	if err != nil {
		writeRepoError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]interface{}{"worktree": wt})
}

// DeleteWorktree removes the worktree named by the URL-encoded path suffix.
func (h *RepositoryHandler) DeleteWorktree(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	path, err := url.PathUnescape(vars["path"])
	if err != nil || strings.TrimSpace(path) == "" {
		WriteError(w, http.StatusBadRequest, "invalid worktree path")
		return
	}
	// Route matching on the encoded path strips the leading slash.
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if err := h.repos.DeleteWorktree(id, path); err != nil {
		writeRepoError(w, err)
		return
	}
	WriteSuccess(w)
}

// slackIntegrationRequest is the PUT body for the repository webhook.
type slackIntegrationRequest struct {
	WebhookURL string `json:"webhookUrl"`
	Enabled    bool   `json:"enabled"`
}

// GetSlackIntegration returns the repository's webhook row.
func (h *RepositoryHandler) GetSlackIntegration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	si, err := h.repos.GetSlackIntegration(id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	if si == nil {
		WriteError(w, http.StatusNotFound, "no slack integration configured")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"slackIntegration": si})
}

// SetSlackIntegration upserts the repository's webhook row.
func (h *RepositoryHandler) SetSlackIntegration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req slackIntegrationRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	si, err := h.repos.SetSlackIntegration(id, req.WebhookURL, req.Enabled)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"slackIntegration": si})
}

// DeleteSlackIntegration removes the repository's webhook row.
func (h *RepositoryHandler) DeleteSlackIntegration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.repos.DeleteSlackIntegration(id); err != nil {
		writeRepoError(w, err)
		return
	}
	WriteSuccess(w)
}

func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repo.ErrRepositoryNotFound):
		WriteError(w, http.StatusNotFound, "repository not found")
	case errors.Is(err, repo.ErrWorktreeNotFound):
		WriteError(w, http.StatusNotFound, "worktree not found")
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}
