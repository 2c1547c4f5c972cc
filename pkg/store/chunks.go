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
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/vector"
)

// Chunk is one retrievable fragment. Chunks are immutable after insert.
type Chunk struct {
	ID             string
	DocumentID     string
	Ordinal        int
	Content        string
	ContentHash    string
	Kind           string
	CharCount      int
	TokenCount     int
	SectionPath    []string
	EmbeddingModel string
	Metadata       map[string]any
	CreatedAt      time.Time
}

const chunkCols = `id, document_id, ordinal, content, content_hash, kind,
    char_count, token_count, section_path, embedding_model, metadata, created_at`

// InsertChunks writes a document's chunks atomically: all rows land in one
// transaction, then embeddings go to the vector provider keyed by chunk id.
// Ordinals are assigned densely from slice order. Any embedding whose length
// differs from the configured dimension rejects the whole batch.
//
// The lexical index is updated separately by the ingestion coordinator's
// index stage.
func (s *Store) InsertChunks(ctx context.Context, documentID string, chunks []Chunk, embeddings [][]float32) ([]Chunk, error) {
	const op = "store.InsertChunks"

	if len(embeddings) != len(chunks) {
		return nil, qerr.Ef(qerr.KindInvalidInput, op,
			"%d embeddings for %d chunks", len(embeddings), len(chunks))
	}
	for i, emb := range embeddings {
		if len(emb) != s.dimension {
			return nil, qerr.Ef(qerr.KindInvalidInput, op,
				"chunk %d embedding has length %d, expected %d", i, len(emb), s.dimension)
		}
	}

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	insert := s.q(`INSERT INTO chunks
        (id, document_id, ordinal, content, content_hash, kind, char_count,
         token_count, section_path, embedding_model, metadata, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.ID = uuid.NewString()
		c.DocumentID = documentID
		c.Ordinal = i
		c.CreatedAt = now

		sectionJSON, err := marshalJSONField(c.SectionPath)
		if err != nil {
			return nil, qerr.E(qerr.KindInvalidInput, op, err)
		}
		metadataJSON, err := marshalJSONField(c.Metadata)
		if err != nil {
			return nil, qerr.E(qerr.KindInvalidInput, op, err)
		}

		if _, err := tx.ExecContext(ctx, insert,
			c.ID, c.DocumentID, c.Ordinal, c.Content, c.ContentHash, c.Kind,
			c.CharCount, c.TokenCount, sectionJSON, c.EmbeddingModel, metadataJSON, now); err != nil {
			return nil, mapErr(op, err)
		}
		out[i] = c
	}

	update := s.q(`UPDATE documents SET chunk_count = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, update, len(chunks), documentID); err != nil {
		return nil, mapErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(op, err)
	}

	entries := make([]vector.Entry, len(out))
	for i, c := range out {
		entries[i] = vector.Entry{
			ChunkID:    c.ID,
			OwnerID:    doc.OwnerID,
			DocumentID: documentID,
			Vector:     embeddings[i],
		}
	}
	if err := s.vectors.Upsert(ctx, entries); err != nil {
		return nil, qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return out, nil
}

// ChunksByDocument returns a document's chunks in ordinal order.
func (s *Store) ChunksByDocument(ctx context.Context, documentID string) ([]Chunk, error) {
	const op = "store.ChunksByDocument"

	query := s.q(`SELECT ` + chunkCols + ` FROM chunks
        WHERE document_id = ? ORDER BY ordinal ASC`)
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, mapErr(op, rows.Err())
}

func (s *Store) chunkIDsByDocument(ctx context.Context, documentID string) ([]string, error) {
	const op = "store.ChunksByDocument"

	query := s.q(`SELECT id FROM chunks WHERE document_id = ?`)
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr(op, err)
		}
		ids = append(ids, id)
	}
	return ids, mapErr(op, rows.Err())
}

func scanChunk(row scanner) (Chunk, error) {
	var (
		c            Chunk
		sectionJSON  sql.NullString
		model        sql.NullString
		metadataJSON sql.NullString
	)
	err := row.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.ContentHash,
		&c.Kind, &c.CharCount, &c.TokenCount, &sectionJSON, &model, &metadataJSON, &c.CreatedAt)
	if err != nil {
		return Chunk{}, err
	}
	c.EmbeddingModel = model.String
	if sectionJSON.Valid && sectionJSON.String != "" {
		if err := json.Unmarshal([]byte(sectionJSON.String), &c.SectionPath); err != nil {
			return Chunk{}, err
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
			return Chunk{}, err
		}
	}
	return c, nil
}

// marshalJSONField encodes a value for a nullable TEXT column, mapping empty
// values to NULL.
func marshalJSONField(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s := string(b); s != "null" && strings.TrimSpace(s) != "" {
		return s, nil
	}
	return nil, nil
}
