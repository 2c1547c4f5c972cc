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

// Package vector abstracts the vector index chunk embeddings live in.
//
// The embedded chromem backend is the zero-config default; Qdrant and
// Pinecone back larger deployments. Every entry carries its owner id as
// metadata and every search filters on it, so tenant isolation holds at
// the index, not just in the calling code.
package vector

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/pkg/config"
)

// Entry is one chunk embedding with the metadata searches filter on.
type Entry struct {
	ChunkID    string
	OwnerID    string
	DocumentID string
	Vector     []float32
}

// Match is one search result, best first. Score is cosine similarity in
// [-1, 1]; backends that return distance convert before returning.
type Match struct {
	ChunkID    string
	DocumentID string
	Score      float32
}

// Provider is the narrow surface the store needs from a vector index.
type Provider interface {
	// Name identifies the backend in logs.
	Name() string

	// Upsert writes entries, replacing any with the same chunk id.
	Upsert(ctx context.Context, entries []Entry) error

	// Search returns the owner's top-k chunks by cosine similarity.
	Search(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error)

	// DeleteChunks removes entries by chunk id. Unknown ids are a no-op.
	DeleteChunks(ctx context.Context, chunkIDs []string) error

	// DeleteDocument removes every entry belonging to a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close flushes and releases the backend.
	Close() error
}

const (
	metaOwnerID    = "owner_id"
	metaDocumentID = "document_id"
)

// New builds the configured provider.
func New(cfg config.VectorStoreConfig) (Provider, error) {
	switch cfg.Type {
	case "chromem", "":
		return NewChromem(ChromemOptions{
			PersistPath: cfg.PersistPath,
			Compress:    cfg.Compress,
			Collection:  cfg.Collection,
		})
	case "qdrant":
		return NewQdrant(QdrantOptions{
			Host:       cfg.Host,
			Port:       cfg.Port,
			APIKey:     cfg.APIKey,
			UseTLS:     config.BoolValue(cfg.EnableTLS, false),
			Collection: cfg.Collection,
		})
	case "pinecone":
		return NewPinecone(PineconeOptions{
			APIKey:    cfg.APIKey,
			IndexName: cfg.IndexName,
			Namespace: cfg.Namespace,
		})
	default:
		return nil, fmt.Errorf("unknown vector store type %q", cfg.Type)
	}
}
