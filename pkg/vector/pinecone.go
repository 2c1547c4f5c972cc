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
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// Pinecone backs the vector index with a managed Pinecone index. The index
// itself must exist already; quarry only reads and writes vectors.
type Pinecone struct {
	client    *pinecone.Client
	indexName string
	namespace string

	mu   sync.Mutex
	conn *pinecone.IndexConnection
}

// PineconeOptions configures the Pinecone backend.
type PineconeOptions struct {
	APIKey    string
	IndexName string
	Namespace string
}

// NewPinecone builds a Pinecone-backed provider.
func NewPinecone(opts PineconeOptions) (*Pinecone, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("pinecone api key is required")
	}
	if opts.IndexName == "" {
		return nil, fmt.Errorf("pinecone index name is required")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: opts.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	return &Pinecone{
		client:    client,
		indexName: opts.IndexName,
		namespace: opts.Namespace,
	}, nil
}

func (p *Pinecone) Name() string { return "pinecone" }

// connection lazily resolves and caches the index connection.
func (p *Pinecone) connection(ctx context.Context) (*pinecone.IndexConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	index, err := p.client.DescribeIndex(ctx, p.indexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", p.indexName, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      index.Host,
		Namespace: p.namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", p.indexName, err)
	}
	p.conn = conn
	return conn, nil
}

func (p *Pinecone) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}

	vectors := make([]*pinecone.Vector, 0, len(entries))
	for _, e := range entries {
		metadata, err := structpb.NewStruct(map[string]any{
			metaOwnerID:    e.OwnerID,
			metaDocumentID: e.DocumentID,
		})
		if err != nil {
			return fmt.Errorf("failed to build vector metadata: %w", err)
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       e.ChunkID,
			Values:   e.Vector,
			Metadata: metadata,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

func (p *Pinecone) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	conn, err := p.connection(ctx)
	if err != nil {
		return nil, err
	}

	filter, err := structpb.NewStruct(map[string]any{metaOwnerID: ownerID})
	if err != nil {
		return nil, fmt.Errorf("failed to build search filter: %w", err)
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(k),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Vector == nil {
			continue
		}
		match := Match{ChunkID: m.Vector.Id, Score: m.Score}
		if m.Vector.Metadata != nil {
			if v, ok := m.Vector.Metadata.AsMap()[metaDocumentID].(string); ok {
				match.DocumentID = v
			}
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func (p *Pinecone) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	if err := conn.DeleteVectorsById(ctx, chunkIDs); err != nil {
		return fmt.Errorf("failed to delete vectors: %w", err)
	}
	return nil
}

func (p *Pinecone) DeleteDocument(ctx context.Context, documentID string) error {
	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}
	filter, err := structpb.NewStruct(map[string]any{metaDocumentID: documentID})
	if err != nil {
		return fmt.Errorf("failed to build delete filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, filter); err != nil {
		return fmt.Errorf("failed to delete document vectors: %w", err)
	}
	return nil
}

func (p *Pinecone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

var _ Provider = (*Pinecone)(nil)
