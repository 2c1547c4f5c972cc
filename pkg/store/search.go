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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/quarryhq/quarry/pkg/qerr"
)

// ScoredChunk is a search hit with its backing chunk and parent document.
type ScoredChunk struct {
	Chunk         Chunk
	DocumentTitle string
	Score         float64
}

// overFetch is how many extra candidates to pull from the raw indexes so
// completed-gating still fills k results.
const overFetch = 2

// VectorSearch returns the owner's top-k chunks by cosine similarity. Only
// chunks whose parent document is completed are visible; entries indexed by
// an in-flight ingestion are filtered out here.
func (s *Store) VectorSearch(ctx context.Context, ownerID string, queryEmbedding []float32, k int) ([]ScoredChunk, error) {
	const op = "store.VectorSearch"

	if len(queryEmbedding) != s.dimension {
		return nil, qerr.Ef(qerr.KindInvalidInput, op,
			"query embedding has length %d, expected %d", len(queryEmbedding), s.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	matches, err := s.vectors.Search(ctx, ownerID, queryEmbedding, k*overFetch)
	if err != nil {
		return nil, qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.ChunkID
		scores[m.ChunkID] = float64(m.Score)
	}

	hydrated, err := s.completedChunks(ctx, op, ownerID, ids)
	if err != nil {
		return nil, err
	}

	// Preserve provider ranking.
	results := make([]ScoredChunk, 0, k)
	for _, id := range ids {
		h, ok := hydrated[id]
		if !ok {
			continue
		}
		h.Score = scores[id]
		results = append(results, h)
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// LexicalSearch returns the owner's top-k chunks by BM25 score over the
// per-owner lexical index, gated the same way as VectorSearch.
func (s *Store) LexicalSearch(ctx context.Context, ownerID, query string, k int) ([]ScoredChunk, error) {
	const op = "store.LexicalSearch"

	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	hits := s.lexical.For(ownerID).Search(query, k*overFetch)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
		scores[h.ChunkID] = h.Score
	}

	hydrated, err := s.completedChunks(ctx, op, ownerID, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ScoredChunk, 0, k)
	for _, id := range ids {
		h, ok := hydrated[id]
		if !ok {
			continue
		}
		h.Score = scores[id]
		results = append(results, h)
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// completedChunks hydrates chunk ids into rows joined with their parent
// documents, keeping only owner-matching chunks of completed documents.
func (s *Store) completedChunks(ctx context.Context, op, ownerID string, ids []string) (map[string]ScoredChunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?, ", len(ids)-1) + "?"
	query := s.q(`SELECT c.id, c.document_id, c.ordinal, c.content, c.content_hash,
        c.kind, c.char_count, c.token_count, c.section_path, c.embedding_model,
        c.metadata, c.created_at, d.title
        FROM chunks c JOIN documents d ON c.document_id = d.id
        WHERE d.owner_id = ? AND d.state = ? AND c.id IN (` + placeholders + `)`)

	args := make([]any, 0, len(ids)+2)
	args = append(args, ownerID, StateCompleted)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]ScoredChunk, len(ids))
	for rows.Next() {
		sc, err := scanScoredChunk(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		out[sc.Chunk.ID] = sc
	}
	return out, mapErr(op, rows.Err())
}

func scanScoredChunk(row scanner) (ScoredChunk, error) {
	var (
		c            Chunk
		sectionJSON  sql.NullString
		model        sql.NullString
		metadataJSON sql.NullString
		title        sql.NullString
	)
	err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash,
		&c.Kind, &c.CharCount, &c.TokenCount, &sectionJSON, &model, &metadataJSON,
		&c.CreatedAt, &title)
	if err != nil {
		return ScoredChunk{}, err
	}
	c.EmbeddingModel = model.String
	if sectionJSON.Valid && sectionJSON.String != "" {
		if err := json.Unmarshal([]byte(sectionJSON.String), &c.SectionPath); err != nil {
			return ScoredChunk{}, err
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return ScoredChunk{}, err
		}
	}
	return ScoredChunk{Chunk: c, DocumentTitle: title.String}, nil
}
