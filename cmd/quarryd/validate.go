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

package main

import (
	"fmt"

	"github.com/quarryhq/quarry/pkg/config"
)

// ValidateCmd checks a configuration file and reports the effective settings.
type ValidateCmd struct {
	Path string `arg:"" optional:"" help:"Config file to validate (defaults to --config)." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}
	if path == "" {
		return fmt.Errorf("no config file given (pass a path or --config)")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s: valid\n", path)
	fmt.Printf("  data_dir:  %s\n", cfg.DataDir)
	fmt.Printf("  database:  %s\n", cfg.Database.Driver)
	fmt.Printf("  vector:    %s\n", cfg.Vector.Type)
	fmt.Printf("  embedder:  %s (%s)\n", cfg.Embedder.Backend, cfg.Embedder.Model)
	fmt.Printf("  llm:       %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("  bus:       %s\n", cfg.Bus.Backend)
	return nil
}
