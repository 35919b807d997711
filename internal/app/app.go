// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the store, managers and API server together and owns
// the process lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/wingedpig/arbor/internal/activity"
	"github.com/wingedpig/arbor/internal/agents"
	"github.com/wingedpig/arbor/internal/api"
	"github.com/wingedpig/arbor/internal/config"
	"github.com/wingedpig/arbor/internal/gitdiff"
	"github.com/wingedpig/arbor/internal/gitx"
	"github.com/wingedpig/arbor/internal/jobs"
	"github.com/wingedpig/arbor/internal/notify"
	"github.com/wingedpig/arbor/internal/output"
	"github.com/wingedpig/arbor/internal/pty"
	"github.com/wingedpig/arbor/internal/repo"
	"github.com/wingedpig/arbor/internal/session"
	"github.com/wingedpig/arbor/internal/store"
	"github.com/wingedpig/arbor/internal/worker"
)

// App is the main application container.
type App struct {
	mu sync.RWMutex

	home    string
	version string
	config  *config.Config

	store     *store.Store
	output    *output.Manager
	workers   *worker.Manager
	agents    *agents.Registry
	git       gitx.Runner
	diffs     *gitdiff.Hub
	repos     *repo.Manager
	queue     *jobs.Queue
	notifier  *notify.Manager
	sessions  *session.Manager
	lifecycle *session.Lifecycle
	apiServer *api.Server

	done     chan struct{}
	stopOnce sync.Once
}

// Options holds configuration options for the app.
type Options struct {
	Home    string // application home directory; empty resolves the default
	Host    string
	Port    int
	Version string // application version string
}

// New resolves the home directory and loads configuration.
func New(opts Options) (*App, error) {
	home := config.ResolveHome(opts.Home)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("creating home directory %s: %w", home, err)
	}

	cfg, err := config.Load(home)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// Override host/port if specified
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}

	return &App{
		home:    home,
		version: opts.Version,
		config:  cfg,
		done:    make(chan struct{}),
	}, nil
}

// Home returns the resolved application home directory.
func (app *App) Home() string {
	return app.home
}

// Server returns the API server. Valid after Initialize.
func (app *App) Server() *api.Server {
	return app.apiServer
}

// Sessions returns the session manager. Valid after Initialize.
func (app *App) Sessions() *session.Manager {
	return app.sessions
}

// Initialize opens the store and wires all components.
func (app *App) Initialize(ctx context.Context) error {
	cfg := app.config

	// Open the database and fold in any pre-database JSON state.
	st, err := store.Open(filepath.Join(app.home, "data.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	app.store = st
	if err := st.ImportLegacyJSON(app.home); err != nil {
		return fmt.Errorf("importing legacy state: %w", err)
	}

	registry, err := agents.NewRegistry(st)
	if err != nil {
		return fmt.Errorf("initializing agent registry: %w", err)
	}
	app.agents = registry

	app.output = output.NewManager(output.Config{
		BaseDir:        filepath.Join(app.home, "outputs"),
		FlushInterval:  time.Duration(cfg.Output.FlushIntervalMs) * time.Millisecond,
		FlushThreshold: cfg.Output.FlushThresholdBytes,
		MaxFileSize:    cfg.Output.MaxFileSizeBytes,
	})

	app.workers = worker.NewManager(pty.NewRealProvider(), app.output, worker.Config{
		RingSize:     cfg.Workers.RingSizeBytes,
		DefaultShell: cfg.Workers.Shell,
	})

	app.git = gitx.NewRealRunner()
	app.diffs = gitdiff.NewHub(app.git)
	app.repos = repo.NewManager(repo.Options{
		Store: st,
		Git:   app.git,
		Home:  app.home,
	})

	app.queue = jobs.New(st, jobs.Config{
		PollInterval: time.Duration(cfg.Jobs.PollIntervalMs) * time.Millisecond,
		BackoffBase:  time.Duration(cfg.Jobs.BackoffBaseMs) * time.Millisecond,
		MaxAttempts:  cfg.Jobs.MaxAttempts,
	})

	// The notifier resolves session display info lazily so it can be built
	// before the session manager, which needs the notifier at construction.
	app.notifier = notify.NewManager(notify.Options{
		Store: st,
		Queue: app.queue,
		Sessions: func(sessionID string) (notify.SessionInfo, bool) {
			app.mu.RLock()
			sessions := app.sessions
			app.mu.RUnlock()
			if sessions == nil {
				return notify.SessionInfo{}, false
			}
			view, ok := sessions.GetView(sessionID)
			if !ok {
				return notify.SessionInfo{}, false
			}
			return notify.SessionInfo{
				Title:        view.Title,
				LocationPath: view.LocationPath,
				RepositoryID: view.RepositoryID,
			}, true
		},
	})

	app.queue.RegisterHandler(jobs.TypeCleanupWorkerOutput, app.handleCleanupWorkerOutput)
	app.queue.RegisterHandler(jobs.TypeNotifyInboundEvent, app.notifier.HandleInboundEventJob)

	// Load persisted sessions. Workers owned by a dead server are reclaimed
	// here; workers owned by a live one are left alone.
	serverPid := os.Getpid()
	sessions, err := session.NewManager(session.Options{
		Store:     st,
		Workers:   app.workers,
		Output:    app.output,
		Git:       app.git,
		Agents:    registry,
		Queue:     app.queue,
		Notifier:  app.notifier,
		Watchers:  app.diffs,
		ServerPid: serverPid,
	})
	if err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	app.mu.Lock()
	app.sessions = sessions
	app.mu.Unlock()
	app.lifecycle = session.NewLifecycle(sessions)

	// Initialize API server
	app.apiServer = api.NewServer(
		api.ServerConfig{
			Host:                cfg.Server.Host,
			Port:                cfg.Server.Port,
			InitialHistoryLines: cfg.Workers.InitialHistoryLines,
			FlushThresholdBytes: cfg.Output.FlushThresholdBytes,
		},
		api.Dependencies{
			Sessions:  sessions,
			Lifecycle: app.lifecycle,
			Agents:    registry,
			Repos:     app.repos,
			Diffs:     app.diffs,
			Notify:    app.notifier,
			HomeDir:   app.home,
			ServerPid: serverPid,
			Version:   app.version,
		},
	)

	// Session lifecycle and agent activity fan out on the app channel.
	sock := app.apiServer.App()
	sessions.SetLifecycleCallbacks(session.LifecycleCallbacks{
		OnSessionCreated: func(v session.View) {
			sock.Broadcast("session-created", map[string]interface{}{"session": v})
		},
		OnSessionUpdated: func(v session.View) {
			sock.Broadcast("session-updated", map[string]interface{}{"session": v})
		},
		OnSessionDeleted: func(sessionID string) {
			sock.Broadcast("session-deleted", map[string]interface{}{"sessionId": sessionID})
		},
		OnWorkerActivated: func(sessionID, workerID string) {
			if view, ok := sessions.GetView(sessionID); ok {
				sock.Broadcast("session-updated", map[string]interface{}{"session": view})
			}
		},
	})
	sessions.SetGlobalActivityCallback(func(sessionID, workerID string, state activity.State) {
		sock.Broadcast("worker-activity", map[string]interface{}{
			"sessionId":     sessionID,
			"workerId":      workerID,
			"activityState": string(state),
		})
	})

	return nil
}

// handleCleanupWorkerOutput is the queue handler removing a deleted
// worker's scrollback file.
func (app *App) handleCleanupWorkerOutput(ctx context.Context, job store.Job) error {
	var p jobs.CleanupWorkerOutputPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return fmt.Errorf("decoding cleanup payload: %w", err)
	}
	if err := app.output.DeleteWorkerOutput(p.SessionID, p.WorkerID); err != nil {
		return fmt.Errorf("removing scrollback for %s/%s: %w", p.SessionID, p.WorkerID, err)
	}
	return nil
}

// Start launches the job queue and the API server.
func (app *App) Start(ctx context.Context) error {
	app.queue.Start()

	go func() {
		log.Printf("Starting API server on %s:%d", app.config.Server.Host, app.config.Server.Port)
		if err := app.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("API server error: %v", err)
		}
	}()

	return nil
}

// Run starts the app and blocks until shutdown.
func (app *App) Run(ctx context.Context) error {
	if err := app.Initialize(ctx); err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		log.Printf("Context cancelled, shutting down...")
	case <-app.done:
		log.Printf("Shutdown requested...")
	}

	return app.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components. Worker processes are not
// killed here; the next server start reclaims them once this pid is
// provably dead.
func (app *App) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop API server first to stop accepting new requests
	if app.apiServer != nil {
		if err := app.apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down API server: %v", err)
		}
	}

	// Stop the job queue; unfinished jobs stay claimed in the database and
	// are retried after their backoff expires.
	if app.queue != nil {
		app.queue.Stop()
	}

	// Stop git-diff watchers
	if app.diffs != nil {
		app.diffs.Close()
	}

	// Flush pending scrollback before the store closes
	if app.output != nil {
		if err := app.output.FlushAll(); err != nil {
			log.Printf("Error flushing scrollback files: %v", err)
		}
	}

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}

	log.Println("Shutdown complete")
	return nil
}

// Stop signals the app to shut down. Safe to call multiple times.
func (app *App) Stop() {
	app.stopOnce.Do(func() {
		close(app.done)
	})
}
