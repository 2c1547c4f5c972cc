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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem is the embedded default backend: pure Go, in-memory with optional
// gob persistence. Single-process and memory-bound, which matches the
// local-first deployment it serves.
type Chromem struct {
	mu          sync.Mutex
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	compress    bool
}

// ChromemOptions configures the embedded backend.
type ChromemOptions struct {
	// PersistPath is a directory for the gob snapshot; empty keeps vectors
	// in memory only.
	PersistPath string

	// Compress gzips the snapshot.
	Compress bool

	// Collection name. Default "chunks".
	Collection string
}

// NewChromem opens or creates the embedded vector database.
func NewChromem(opts ChromemOptions) (*Chromem, error) {
	if opts.Collection == "" {
		opts.Collection = "chunks"
	}

	var db *chromem.DB
	if opts.PersistPath != "" {
		if err := os.MkdirAll(opts.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector directory: %w", err)
		}
		path := snapshotPath(opts.PersistPath, opts.Compress)
		if _, err := os.Stat(path); err == nil {
			loaded, err := chromem.NewPersistentDB(path, opts.Compress)
			if err != nil {
				slog.Warn("unreadable vector snapshot, starting empty", "path", path, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding function must never run.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	}

	col, err := db.GetOrCreateCollection(opts.Collection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", opts.Collection, err)
	}

	return &Chromem{
		db:          db,
		col:         col,
		persistPath: opts.PersistPath,
		compress:    opts.Compress,
	}, nil
}

func (c *Chromem) Name() string { return "chromem" }

func (c *Chromem) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, chromem.Document{
			ID:        e.ChunkID,
			Embedding: e.Vector,
			Metadata: map[string]string{
				metaOwnerID:    e.OwnerID,
				metaDocumentID: e.DocumentID,
			},
		})
	}
	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return c.persist()
}

func (c *Chromem) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error) {
	// chromem rejects nResults beyond the collection size.
	if count := c.col.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(ctx, vector, k, map[string]string{metaOwnerID: ownerID}, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{
			ChunkID:    r.ID,
			DocumentID: r.Metadata[metaDocumentID],
			Score:      r.Similarity,
		})
	}
	return matches, nil
}

func (c *Chromem) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := c.col.Delete(ctx, nil, nil, chunkIDs...); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return c.persist()
}

func (c *Chromem) DeleteDocument(ctx context.Context, documentID string) error {
	if err := c.col.Delete(ctx, map[string]string{metaDocumentID: documentID}, nil); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return c.persist()
}

func (c *Chromem) Close() error {
	return c.persist()
}

func (c *Chromem) persist() error {
	if c.persistPath == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	path := snapshotPath(c.persistPath, c.compress)
	//nolint:staticcheck // Export is deprecated but the replacement needs a writer per collection
	if err := c.db.Export(path, c.compress, ""); err != nil {
		return fmt.Errorf("failed to persist vector snapshot: %w", err)
	}
	return nil
}

func snapshotPath(dir string, compress bool) string {
	path := dir + "/vectors.gob"
	if compress {
		path += ".gz"
	}
	return path
}

var _ Provider = (*Chromem)(nil)
