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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/ingest"
	"github.com/quarryhq/quarry/pkg/store"
)

// IngestCmd uploads files and waits for them to finish processing, rendering
// progress from the bus.
type IngestCmd struct {
	Paths []string `arg:"" help:"Files to ingest." type:"existingfile"`
	Owner string   `help:"Owner id to ingest under." default:"local"`
}

func (c *IngestCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx := context.Background()
	svc, err := quarry.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	for _, path := range c.Paths {
		if err := c.ingestOne(ctx, svc, path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}

func (c *IngestCmd) ingestOne(ctx context.Context, svc *quarry.Service, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	docID, already, err := svc.Ingest(ctx, ingest.Request{
		OwnerID: c.Owner,
		Title:   filepath.Base(path),
		Source:  path,
		Kind:    extract.KindFromExtension(filepath.Ext(path)),
		Data:    data,
	})
	if err != nil {
		return err
	}
	if already {
		fmt.Printf("%s: unchanged (%s)\n", path, docID)
		return nil
	}

	return renderProgress(ctx, svc, path, docID)
}

// renderProgress follows the document's progress topic until it settles,
// falling back to polling in case the terminal event raced the subscription.
func renderProgress(ctx context.Context, svc *quarry.Service, path, docID string) error {
	events, cancel, err := svc.Bus().Subscribe(ctx, bus.ProgressTopic(docID))
	if err != nil {
		return err
	}
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case e := <-events:
			var p bus.DocumentProgress
			if err := e.Decode(&p); err != nil {
				continue
			}
			fmt.Printf("\r%s: %3d%% %-12s", path, p.Percent, p.StageLabel)
			if done, err := settled(ctx, svc, path, docID, store.DocumentState(p.State)); done {
				return err
			}
		case <-ticker.C:
			doc, err := svc.Store().GetDocument(ctx, docID)
			if err != nil {
				return err
			}
			if done, err := settled(ctx, svc, path, docID, doc.State); done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func settled(ctx context.Context, svc *quarry.Service, path, docID string, state store.DocumentState) (bool, error) {
	switch state {
	case store.StateCompleted:
		doc, err := svc.Store().GetDocument(ctx, docID)
		if err != nil {
			return true, err
		}
		fmt.Printf("\r%s: done (%d chunks)%-12s\n", path, doc.ChunkCount, "")
		return true, nil
	case store.StateFailed:
		doc, err := svc.Store().GetDocument(ctx, docID)
		if err != nil {
			return true, err
		}
		fmt.Printf("\r%s: failed%-20s\n", path, "")
		return true, fmt.Errorf("ingestion failed: %s", doc.FailureReason)
	default:
		return false, nil
	}
}
