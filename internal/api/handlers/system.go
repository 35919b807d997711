// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/wingedpig/arbor/internal/notify"
	"github.com/wingedpig/arbor/internal/store"
)

// SystemHandler serves the root, config, system and inbound-event routes.
type SystemHandler struct {
	homeDir   string
	serverPid int
	version   string
	notify    *notify.Manager

	// openPath launches the platform file browser; injectable for tests.
	openPath func(path string) error
}

// NewSystemHandler creates a new system handler. notifier may be nil when
// inbound events are disabled.
func NewSystemHandler(homeDir string, serverPid int, version string, notifier *notify.Manager) *SystemHandler {
	return &SystemHandler{
		homeDir:   homeDir,
		serverPid: serverPid,
		version:   version,
		notify:    notifier,
		openPath:  openWithPlatformTool,
	}
}

// Index returns the API greeting.
func (h *SystemHandler) Index(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Agent Console API %s", h.version),
	})
}

// Config returns the server's home directory and pid. Clients compare the
// pid against their cached scrollback snapshots to detect restarts.
func (h *SystemHandler) Config(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"homeDir":   h.homeDir,
		"serverPid": h.serverPid,
	})
}

// OpenPath opens a local path in the platform file browser.
func (h *SystemHandler) OpenPath(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		WriteError(w, http.StatusBadRequest, "path is required")
		return
	}
	if _, err := os.Stat(req.Path); err != nil {
		WriteError(w, http.StatusNotFound, "Path does not exist: "+req.Path)
		return
	}

	if err := h.openPath(req.Path); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w)
}

// inboundEventRequest is the webhook body posted by external agent hooks.
type inboundEventRequest struct {
	JobID        string `json:"jobId"`
	SessionID    string `json:"sessionId"`
	WorkerID     string `json:"workerId"`
	HandlerID    string `json:"handlerId"`
	EventType    string `json:"eventType"`
	EventSummary string `json:"eventSummary,omitempty"`
}

// InboundEvent records an external event notification and schedules its
// delivery. Duplicate events for the same (job, session, worker, handler)
// tuple are acknowledged without re-recording.
func (h *SystemHandler) InboundEvent(w http.ResponseWriter, r *http.Request) {
	if h.notify == nil {
		WriteError(w, http.StatusServiceUnavailable, "notifications are not configured")
		return
	}

	var req inboundEventRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.HandlerID) == "" || strings.TrimSpace(req.EventType) == "" {
		WriteError(w, http.StatusBadRequest, "handlerId and eventType are required")
		return
	}

	err := h.notify.RecordInboundEvent(store.InboundEventNotification{
		JobID:        req.JobID,
		SessionID:    req.SessionID,
		WorkerID:     req.WorkerID,
		HandlerID:    req.HandlerID,
		EventType:    req.EventType,
		EventSummary: req.EventSummary,
	})
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func openWithPlatformTool(path string) error {
	tool := "xdg-open"
	if runtime.GOOS == "darwin" {
		tool = "open"
	}
	cmd := exec.Command(tool, path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			log.Printf("System: %s %s: %v", tool, path, err)
		}
	}()
	return nil
}
