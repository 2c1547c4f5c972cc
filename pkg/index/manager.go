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

package index

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Manager owns one Index per owner and their on-disk snapshots. Indexes
// load lazily from disk on first touch and persist after every mutation
// batch the ingestion pipeline applies.
type Manager struct {
	mu      sync.Mutex
	params  Params
	dir     string // empty disables persistence
	indexes map[string]*Index
}

// NewManager builds a manager persisting under dir. An empty dir keeps
// indexes in memory only.
func NewManager(dir string, params Params) (*Manager, error) {
	if params.K1 == 0 {
		params = DefaultParams()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	return &Manager{
		params:  params,
		dir:     dir,
		indexes: make(map[string]*Index),
	}, nil
}

// For returns the owner's index, loading its snapshot from disk the first
// time. A corrupt or missing snapshot yields a fresh empty index; the next
// save overwrites it.
func (m *Manager) For(ownerID string) *Index {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ix, ok := m.indexes[ownerID]; ok {
		return ix
	}

	ix := New(m.params)
	if m.dir != "" {
		if err := ix.LoadFile(m.path(ownerID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("discarding unreadable keyword index snapshot",
				"owner_id", ownerID, "error", err)
			ix = New(m.params)
		}
	}
	m.indexes[ownerID] = ix
	return ix
}

// Save snapshots the owner's index to disk. A no-op without a persist dir.
func (m *Manager) Save(ownerID string) error {
	if m.dir == "" {
		return nil
	}
	ix := m.For(ownerID)
	if err := ix.SaveFile(m.path(ownerID), ownerID); err != nil {
		return fmt.Errorf("failed to persist keyword index for %s: %w", ownerID, err)
	}
	return nil
}

// Drop forgets the owner's in-memory index and deletes its snapshot.
func (m *Manager) Drop(ownerID string) error {
	m.mu.Lock()
	delete(m.indexes, ownerID)
	m.mu.Unlock()

	if m.dir == "" {
		return nil
	}
	if err := os.Remove(m.path(ownerID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (m *Manager) path(ownerID string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.bm25", sanitize(ownerID)))
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// snapshot is the gob-encoded on-disk form. Footer carries the owner and
// write time so operators can identify stray files.
type snapshot struct {
	Params   Params
	Postings map[string][]posting
	Lengths  map[string]int
	Total    int
	Footer   footer
}

type footer struct {
	OwnerID       string
	LastUpdatedAt time.Time
}

// SaveFile writes the index snapshot atomically (temp file then rename).
func (ix *Index) SaveFile(path, ownerID string) error {
	ix.mu.RLock()
	snap := snapshot{
		Params:   ix.params,
		Postings: ix.postings,
		Lengths:  ix.lengths,
		Total:    ix.total,
		Footer:   footer{OwnerID: ownerID, LastUpdatedAt: time.Now().UTC()},
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		ix.mu.RUnlock()
		return err
	}
	err = gob.NewEncoder(f).Encode(snap)
	ix.mu.RUnlock()

	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile replaces the index contents with a snapshot from disk.
func (ix *Index) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode index snapshot: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if snap.Params.K1 != 0 {
		ix.params = snap.Params
	}
	ix.postings = snap.Postings
	ix.lengths = snap.Lengths
	ix.total = snap.Total
	if ix.postings == nil {
		ix.postings = make(map[string][]posting)
	}
	if ix.lengths == nil {
		ix.lengths = make(map[string]int)
	}
	return nil
}

// Rebuild replaces the index with postings built from scratch. The source
// callback streams (chunk id, content) pairs; the whole rebuild holds the
// writer lock so readers never observe a half-built index.
func (ix *Index) Rebuild(source func(yield func(chunkID, content string) error) error) error {
	fresh := New(ix.params)
	err := source(func(chunkID, content string) error {
		fresh.Add(chunkID, content)
		return nil
	})
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = fresh.postings
	ix.lengths = fresh.lengths
	ix.total = fresh.total
	return nil
}
