// Copyright 2025 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file and runs the full pipeline: load .env files,
// parse, expand environment variables (${VAR}, ${VAR:-default}), apply
// defaults, validate.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse runs the pipeline on raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expansion happens on the raw tree so ${VAR} works in any field,
	// including inside backend option maps.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := ExpandEnvVarsInData(raw)

	// Enumerate every unaccepted key up front; the strict yaml decode below
	// would stop at the first one.
	if m, ok := expanded.(map[string]interface{}); ok {
		unknown, err := UnknownFields(m)
		if err != nil {
			return nil, fmt.Errorf("failed to check config fields: %w", err)
		}
		if len(unknown) > 0 {
			return nil, fmt.Errorf("unknown config fields: %s", strings.Join(unknown, ", "))
		}
	}

	rebuilt, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
	}

	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(rebuilt))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads the given path, or returns the fully defaulted
// zero-config tree when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}
	return Load(path)
}
