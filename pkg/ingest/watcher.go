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

package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/extract"
)

// Watcher ingests files dropped into configured directories. Events
// debounce so half-written files are not picked up mid-copy.
type Watcher struct {
	coordinator *Coordinator
	cfg         config.IngestConfig

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher builds a directory watcher over the coordinator.
func NewWatcher(coordinator *Coordinator, cfg config.IngestConfig) *Watcher {
	return &Watcher{
		coordinator: coordinator,
		cfg:         cfg,
		pending:     make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled. Returns immediately when no paths
// are configured.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.cfg.WatchPaths) == 0 {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	for _, path := range w.cfg.WatchPaths {
		if err := fw.Add(path); err != nil {
			slog.Warn("cannot watch directory", "path", path, "error", err)
			continue
		}
		slog.Info("watching directory", "path", path, "owner_id", w.cfg.WatchOwner)
	}

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "error", err)
		case <-ctx.Done():
			w.drainTimers()
			return ctx.Err()
		}
	}
}

// schedule (re)arms the debounce timer for a path. Every write pushes the
// ingest further out; the file must stay quiet for the full debounce.
func (w *Watcher) schedule(ctx context.Context, path string) {
	if hidden(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.cfg.WatchDebounce.Duration(), func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingestFile(ctx, path)
	})
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("cannot read watched file", "path", path, "error", err)
		return
	}

	id, already, err := w.coordinator.Ingest(ctx, Request{
		OwnerID: w.cfg.WatchOwner,
		Title:   filepath.Base(path),
		Source:  path,
		Kind:    extract.KindFromExtension(filepath.Ext(path)),
		Data:    data,
	})
	switch {
	case err != nil:
		slog.Warn("watched file rejected", "path", path, "error", err)
	case already:
		slog.Debug("watched file unchanged", "path", path, "document_id", id)
	default:
		slog.Info("watched file queued", "path", path, "document_id", id)
	}
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func hidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~")
}
