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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/pkg/config"
)

// ServeCmd runs the core until interrupted: the directory watcher ingests
// dropped files and the session janitor reaps idle sessions.
type ServeCmd struct {
	Watch []string `help:"Additional directories to watch for documents." type:"existingdir"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	printBanner()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	cfg.Ingest.WatchPaths = append(cfg.Ingest.WatchPaths, c.Watch...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := quarry.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	go svc.RunBusJanitor(ctx)
	serveMetrics(ctx, cfg)

	watcherDone := make(chan error, 1)
	go func() { watcherDone <- svc.RunWatcher(ctx) }()

	slog.Info("quarry core running",
		"data_dir", cfg.DataDir,
		"watch_paths", cfg.Ingest.WatchPaths,
		"bus", cfg.Bus.Backend)

	select {
	case <-ctx.Done():
	case err := <-watcherDone:
		if err != nil && ctx.Err() == nil {
			return err
		}
	}

	slog.Info("shutting down")
	svc.WaitIngest()
	return nil
}

// serveMetrics exposes the Prometheus scrape endpoint when metrics are
// enabled. The server follows ctx down.
func serveMetrics(ctx context.Context, cfg *config.Config) {
	if cfg.Observability == nil || !cfg.Observability.Metrics.Enabled {
		return
	}
	m := cfg.Observability.Metrics

	mux := http.NewServeMux()
	mux.Handle(m.Endpoint, promhttp.Handler())
	srv := &http.Server{Addr: m.Addr, Handler: mux}

	go func() {
		slog.Info("metrics endpoint up", "addr", m.Addr, "path", m.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics endpoint failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
}
