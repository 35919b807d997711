// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config resolves the application home directory and loads the
// optional arbor.hjson settings file inside it.
package config

import (
	"os"
	"path/filepath"
)

// HomeEnvVar overrides the default home directory location.
const HomeEnvVar = "AGENT_CONSOLE_HOME"

const defaultHomeDirName = ".agent-console"

// Config holds server settings. Every field has a working default; the
// settings file only needs the overrides.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Output  OutputConfig  `json:"output"`
	Workers WorkersConfig `json:"workers"`
	Jobs    JobsConfig    `json:"jobs"`
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// OutputConfig tunes scrollback file management.
type OutputConfig struct {
	FlushIntervalMs     int   `json:"flushIntervalMs"`
	FlushThresholdBytes int   `json:"flushThresholdBytes"`
	MaxFileSizeBytes    int64 `json:"maxFileSizeBytes"`
}

// WorkersConfig tunes PTY workers and the WebSocket delivery path.
type WorkersConfig struct {
	Shell               string `json:"shell"`
	RingSizeBytes       int    `json:"ringSizeBytes"`
	InitialHistoryLines int    `json:"initialHistoryLines"`
}

// JobsConfig tunes the durable job queue.
type JobsConfig struct {
	PollIntervalMs int `json:"pollIntervalMs"`
	BackoffBaseMs  int `json:"backoffBaseMs"`
	MaxAttempts    int `json:"maxAttempts"`
}

// ResolveHome picks the application home directory: the explicit flag
// value, then $AGENT_CONSOLE_HOME, then ~/.agent-console.
func ResolveHome(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(HomeEnvVar); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultHomeDirName
	}
	return filepath.Join(home, defaultHomeDirName)
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Output.FlushIntervalMs == 0 {
		cfg.Output.FlushIntervalMs = 100
	}
	if cfg.Output.FlushThresholdBytes == 0 {
		cfg.Output.FlushThresholdBytes = 8 * 1024
	}
	if cfg.Output.MaxFileSizeBytes == 0 {
		cfg.Output.MaxFileSizeBytes = 5 * 1024 * 1024
	}

	if cfg.Workers.RingSizeBytes == 0 {
		cfg.Workers.RingSizeBytes = 100000
	}
	if cfg.Workers.InitialHistoryLines == 0 {
		cfg.Workers.InitialHistoryLines = 1000
	}

	if cfg.Jobs.PollIntervalMs == 0 {
		cfg.Jobs.PollIntervalMs = 1000
	}
	if cfg.Jobs.BackoffBaseMs == 0 {
		cfg.Jobs.BackoffBaseMs = 30000
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 3
	}
}
