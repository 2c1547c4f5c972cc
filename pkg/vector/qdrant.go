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
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// Qdrant backs the vector index with a Qdrant server over gRPC.
type Qdrant struct {
	client     *qdrant.Client
	collection string

	ensureOnce sync.Once
	ensureErr  error
}

// QdrantOptions configures the Qdrant backend.
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// NewQdrant connects to a Qdrant server.
func NewQdrant(opts QdrantOptions) (*Qdrant, error) {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 6334
	}
	if opts.Collection == "" {
		opts.Collection = "chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant at %s:%d: %w", opts.Host, opts.Port, err)
	}

	return &Qdrant{client: client, collection: opts.Collection}, nil
}

func (q *Qdrant) Name() string { return "qdrant" }

// ensureCollection creates the collection on first write, sized to the
// first vector seen.
func (q *Qdrant) ensureCollection(ctx context.Context, dimension int) error {
	q.ensureOnce.Do(func() {
		exists, err := q.client.CollectionExists(ctx, q.collection)
		if err != nil {
			q.ensureErr = fmt.Errorf("failed to check collection: %w", err)
			return
		}
		if exists {
			return
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			q.ensureErr = fmt.Errorf("failed to create collection: %w", err)
		}
	})
	return q.ensureErr
}

func (q *Qdrant) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := q.ensureCollection(ctx, len(entries[0].Vector)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(entries))
	for _, e := range entries {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(e.ChunkID),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				metaOwnerID:    e.OwnerID,
				metaDocumentID: e.DocumentID,
			}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, ownerID string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	searchRequest := &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         matchFilter(metaOwnerID, ownerID),
	}

	result, err := q.client.GetPointsClient().Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	matches := make([]Match, 0, len(result.Result))
	for _, point := range result.Result {
		m := Match{Score: point.Score}
		if point.Id != nil {
			if uuid, ok := point.Id.PointIdOptions.(*qdrant.PointId_Uuid); ok {
				m.ChunkID = uuid.Uuid
			}
		}
		if point.Payload != nil {
			if v, ok := point.Payload[metaDocumentID]; ok {
				m.DocumentID = v.GetStringValue()
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (q *Qdrant) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	ids := make([]*qdrant.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, qdrant.NewID(id))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

func (q *Qdrant) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: matchFilter(metaDocumentID, documentID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete document points: %w", err)
	}
	return nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

func matchFilter(key, value string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		}},
	}
}

var _ Provider = (*Qdrant)(nil)
