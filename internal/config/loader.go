// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// FileName is the settings file looked up inside the home directory.
const FileName = "arbor.hjson"

// Load reads {home}/arbor.hjson. A missing file is not an error; the
// returned config then carries only defaults.
func Load(home string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(filepath.Join(home, FileName))
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		// Parse HJSON to an intermediate map, then through JSON into the
		// struct for type safety.
		var raw map[string]interface{}
		if err := hjson.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse hjson: %w", err)
		}
		jsonData, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("convert to json: %w", err)
		}
		if err := json.Unmarshal(jsonData, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}
