// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api wires the HTTP router, REST handlers and WebSocket
// endpoints for the console server.
package api

import (
	"context"
	"log"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/api/handlers"
	"github.com/wingedpig/arbor/internal/api/middleware"
	"github.com/wingedpig/arbor/internal/gitdiff"
	"github.com/wingedpig/arbor/internal/notify"
	"github.com/wingedpig/arbor/internal/repo"
	"github.com/wingedpig/arbor/internal/session"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host                string
	Port                int
	InitialHistoryLines int // Line cap for the initial scrollback sent on worker attach
	FlushThresholdBytes int // Output coalescing threshold for worker sockets
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	Sessions  *session.Manager
	Lifecycle *session.Lifecycle
	Agents    *agents.Registry
	Repos     *repo.Manager
	Diffs     *gitdiff.Hub    // May be nil; git-diff workers then refuse to attach
	Notify    *notify.Manager // May be nil; inbound events then return 503
	HomeDir   string
	ServerPid int
	Version   string // Application version string
}

// NewRouter creates a new API router.
func NewRouter(deps Dependencies, app *handlers.AppSocket, workers *handlers.WorkerSocket) *mux.Router {
	r := mux.NewRouter()
	// Worktree paths arrive URL-encoded in route segments; match on the
	// raw path so the encoding survives until the handler.
	r.UseEncodedPath()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)

	// WebSocket endpoints
	r.HandleFunc("/ws/app", app.WebSocket)
	r.HandleFunc("/ws/session/{sessionID}/worker/{workerID}", workers.WebSocket)

	api := r.PathPrefix("/api").Subrouter()

	// System handlers
	systemHandler := handlers.NewSystemHandler(deps.HomeDir, deps.ServerPid, deps.Version, deps.Notify)
	api.HandleFunc("", systemHandler.Index).Methods("GET")
	api.HandleFunc("/config", systemHandler.Config).Methods("GET")
	api.HandleFunc("/system/open", systemHandler.OpenPath).Methods("POST")
	api.HandleFunc("/events/inbound", systemHandler.InboundEvent).Methods("POST")

	// Session handlers
	sessionHandler := handlers.NewSessionHandler(deps.Sessions, deps.Lifecycle)
	api.HandleFunc("/sessions", sessionHandler.List).Methods("GET")
	api.HandleFunc("/sessions", sessionHandler.Create).Methods("POST")
	api.HandleFunc("/sessions/{id}", sessionHandler.Get).Methods("GET")
	api.HandleFunc("/sessions/{id}", sessionHandler.Patch).Methods("PATCH")
	api.HandleFunc("/sessions/{id}", sessionHandler.Delete).Methods("DELETE")

	// Worker handlers
	workerHandler := handlers.NewWorkerHandler(deps.Sessions, deps.Lifecycle)
	api.HandleFunc("/sessions/{id}/workers", workerHandler.List).Methods("GET")
	api.HandleFunc("/sessions/{id}/workers", workerHandler.Create).Methods("POST")
	api.HandleFunc("/sessions/{id}/workers/{wid}", workerHandler.Delete).Methods("DELETE")
	api.HandleFunc("/sessions/{id}/workers/{wid}/restart", workerHandler.Restart).Methods("POST")

	// Repository handlers
	repoHandler := handlers.NewRepositoryHandler(deps.Repos, app)
	api.HandleFunc("/repositories", repoHandler.List).Methods("GET")
	api.HandleFunc("/repositories", repoHandler.Create).Methods("POST")
	api.HandleFunc("/repositories/{id}", repoHandler.Delete).Methods("DELETE")
	api.HandleFunc("/repositories/{id}/worktrees", repoHandler.ListWorktrees).Methods("GET")
	api.HandleFunc("/repositories/{id}/worktrees", repoHandler.CreateWorktree).Methods("POST")
	api.HandleFunc("/repositories/{id}/worktrees/{path:.*}", repoHandler.DeleteWorktree).Methods("DELETE")
	api.HandleFunc("/repositories/{id}/slack-integration", repoHandler.GetSlackIntegration).Methods("GET")
	api.HandleFunc("/repositories/{id}/slack-integration", repoHandler.SetSlackIntegration).Methods("PUT")
	api.HandleFunc("/repositories/{id}/slack-integration", repoHandler.DeleteSlackIntegration).Methods("DELETE")

	// Agent handlers
	agentHandler := handlers.NewAgentHandler(deps.Agents, app)
	api.HandleFunc("/agents", agentHandler.List).Methods("GET")
	api.HandleFunc("/agents", agentHandler.Create).Methods("POST")
	api.HandleFunc("/agents/{id}", agentHandler.Patch).Methods("PATCH")
	api.HandleFunc("/agents/{id}", agentHandler.Delete).Methods("DELETE")

	// Debug/profiling endpoints
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// Server represents the API server.
type Server struct {
	router  *mux.Router
	cfg     ServerConfig
	server  *http.Server
	app     *handlers.AppSocket
	workers *handlers.WorkerSocket
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	app := handlers.NewAppSocket(deps.Sessions, deps.Agents, deps.Repos)
	workers := handlers.NewWorkerSocket(deps.Sessions, deps.Lifecycle, deps.Diffs, handlers.WorkerSocketConfig{
		InitialHistoryLines: cfg.InitialHistoryLines,
		FlushThresholdBytes: cfg.FlushThresholdBytes,
	})
	return &Server{
		router:  NewRouter(deps, app, workers),
		cfg:     cfg,
		app:     app,
		workers: workers,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// App returns the app-channel socket, used by the composition root to
// broadcast session, agent and repository events.
func (s *Server) App() *handlers.AppSocket {
	return s.app
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Close WebSocket clients first so the HTTP server can drain.
	if s.app != nil {
		s.app.Shutdown()
	}
	if s.workers != nil {
		s.workers.Shutdown()
	}

	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	// Create a timeout context if none provided
	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
