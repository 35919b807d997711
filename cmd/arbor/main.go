// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/wingedpig/arbor/internal/app"
	"github.com/wingedpig/arbor/internal/config"
)

var (
	version = "0.9"
)

func main() {
	// Check for subcommands before flag parsing
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Parse flags
	var (
		home        string
		host        string
		port        int
		showVersion bool
	)

	flag.StringVar(&home, "home", "", "Application home directory (default: $AGENT_CONSOLE_HOME or ~/.agent-console)")
	flag.StringVar(&host, "host", "", "HTTP server host (overrides config)")
	flag.IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.BoolVar(&showVersion, "v", false, "Show version (short)")
	flag.Parse()

	if showVersion {
		fmt.Printf("arbor %s\n", version)
		os.Exit(0)
	}

	// Create and run app
	application, err := app.New(app.Options{
		Home:    home,
		Host:    host,
		Port:    port,
		Version: version,
	})
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}
	log.Printf("Using home directory: %s", application.Home())

	ctx := context.Background()
	if err := application.Run(ctx); err != nil {
		log.Fatalf("App error: %v", err)
	}
}

// runInit handles the "arbor init" command
func runInit(args []string) error {
	initFlags := flag.NewFlagSet("init", flag.ExitOnError)
	home := initFlags.String("home", "", "Application home directory")
	initFlags.Parse(args)

	dir := config.ResolveHome(*home)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating home directory %s: %w", dir, err)
	}

	configFile := filepath.Join(dir, "arbor.hjson")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first", configFile)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Created %s\n", configFile)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit arbor.hjson as needed")
	fmt.Println("  2. Run: ./arbor")
	fmt.Println("  3. Open: http://localhost:8080")
	return nil
}

const defaultConfigTemplate = `{
  // ===========================================================================
  // Arbor Configuration
  // ===========================================================================
  //
  // This is an HJSON file (JSON with comments and relaxed syntax). Every
  // setting has a working default; only keep the ones you change.

  server: {
    // Host to bind to (use "0.0.0.0" to allow remote access)
    host: "127.0.0.1"

    // Port for the web UI and API
    port: 8080
  }

  output: {
    // How long buffered terminal output may sit before the batched write
    flushIntervalMs: 100

    // Pending bytes that force an immediate write
    flushThresholdBytes: 8192

    // Scrollback file size cap; older output is truncated past this
    maxFileSizeBytes: 5242880
  }

  workers: {
    // Shell for terminal workers (default: $SHELL, then /bin/bash)
    // shell: "/bin/zsh"

    // In-memory fallback buffer per worker, used when the scrollback
    // file cannot be read
    ringSizeBytes: 100000

    // Scrollback lines sent when a client first attaches
    initialHistoryLines: 1000
  }

  jobs: {
    // Queue poll interval
    pollIntervalMs: 1000

    // Base retry delay; doubles with each failed attempt
    backoffBaseMs: 30000

    // Attempts before a job is marked failed
    maxAttempts: 3
  }
}
`
