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

// Command quarryd is the CLI for the quarry RAG core.
//
// Usage:
//
//	quarryd serve --config quarry.yaml
//	quarryd ingest ./docs/notes.md
//	quarryd query "how does the billing retry work?"
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the core: directory watcher and session maintenance."`
	Ingest   IngestCmd   `cmd:"" help:"Ingest files into the corpus."`
	Query    QueryCmd    `cmd:"" help:"Ask a question against the corpus."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate the configuration JSON schema."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(quarry.GetVersion().String())
	return nil
}

// loadConfig reads the configuration named by --config, or defaults when no
// file is given.
func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("quarryd"),
		kong.Description("Local-first RAG core: ingest documents, search them, chat over them."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "quarryd: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "quarryd: %v\n", err)
		cleanup()
		os.Exit(1)
	}
}
