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
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/qerr"
)

// DocumentState is the ingestion lifecycle state.
type DocumentState string

const (
	StatePending    DocumentState = "pending"
	StateProcessing DocumentState = "processing"
	StateCompleted  DocumentState = "completed"
	StateFailed     DocumentState = "failed"
)

// Document is one unit of ingested content.
type Document struct {
	ID            string
	OwnerID       string
	Title         string
	Source        string
	Kind          string
	SizeBytes     int64
	Hash          string
	State         DocumentState
	Progress      int
	Stage         string
	ChunkCount    int
	FailureReason string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// DocumentParams describes a document at upload time.
type DocumentParams struct {
	OwnerID   string
	Title     string
	Source    string
	Kind      string
	Hash      string
	SizeBytes int64
}

const documentCols = `id, owner_id, title, source, kind, size_bytes, hash,
    state, progress, stage, chunk_count, failure_reason, created_at, processed_at`

// CreateDocument registers a document in state pending. Uploading content
// with a hash the owner already has returns the existing id with
// alreadyPresent set, so the caller skips reprocessing.
func (s *Store) CreateDocument(ctx context.Context, p DocumentParams) (id string, alreadyPresent bool, err error) {
	const op = "store.CreateDocument"

	query := s.q(`SELECT id FROM documents WHERE owner_id = ? AND hash = ?`)
	err = s.db.QueryRowContext(ctx, query, p.OwnerID, p.Hash).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, mapErr(op, err)
	}

	id = uuid.NewString()
	insert := s.q(`INSERT INTO documents
        (id, owner_id, title, source, kind, size_bytes, hash, state, progress, stage, chunk_count, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'intake', 0, ?)`)
	_, err = s.db.ExecContext(ctx, insert,
		id, p.OwnerID, p.Title, p.Source, p.Kind, p.SizeBytes, p.Hash, StatePending, time.Now().UTC())
	if err != nil {
		// A concurrent upload of the same content wins the unique
		// constraint; resolve to its id.
		if isConstraintViolation(err) {
			var existing string
			if scanErr := s.db.QueryRowContext(ctx, query, p.OwnerID, p.Hash).Scan(&existing); scanErr == nil {
				return existing, true, nil
			}
		}
		return "", false, mapErr(op, err)
	}
	return id, false, nil
}

// GetDocument fetches one document.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	const op = "store.GetDocument"

	query := s.q(`SELECT ` + documentCols + ` FROM documents WHERE id = ?`)
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, notFound(op, "document", id)
	}
	if err != nil {
		return nil, mapErr(op, err)
	}
	return doc, nil
}

// ListDocuments returns the owner's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, ownerID string) ([]*Document, error) {
	const op = "store.ListDocuments"

	query := s.q(`SELECT ` + documentCols + ` FROM documents
        WHERE owner_id = ? ORDER BY created_at DESC, id`)
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		docs = append(docs, doc)
	}
	return docs, mapErr(op, rows.Err())
}

// UpdateDocumentStatus transitions a document through the ingestion state
// machine. Progress never moves backwards while the document is processing;
// completed pins progress to 100 and stamps processed_at; failed requires a
// reason and also stamps processed_at.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, state DocumentState, progress int, stage, failureReason string) error {
	const op = "store.UpdateDocumentStatus"

	var (
		query string
		args  []any
	)
	now := time.Now().UTC()

	switch state {
	case StateCompleted:
		query = `UPDATE documents SET state = ?, progress = 100, stage = ?,
            failure_reason = NULL, processed_at = ? WHERE id = ?`
		args = []any{state, stage, now, id}
	case StateFailed:
		query = `UPDATE documents SET state = ?, stage = ?, failure_reason = ?,
            processed_at = ? WHERE id = ?`
		args = []any{state, stage, failureReason, now, id}
	default:
		query = `UPDATE documents SET state = ?, stage = ?,
            progress = CASE WHEN ? > progress THEN ? ELSE progress END
            WHERE id = ?`
		args = []any{state, stage, progress, progress, id}
	}

	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(op, "document", id)
	}
	return nil
}

// ResetDocument returns a document to pending with zero progress, clearing
// chunks so it can be re-ingested under a new policy.
func (s *Store) ResetDocument(ctx context.Context, id string) error {
	const op = "store.ResetDocument"

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := s.deleteChunkData(ctx, doc); err != nil {
		return err
	}

	query := s.q(`UPDATE documents SET state = ?, progress = 0, stage = 'intake',
        chunk_count = 0, failure_reason = NULL, processed_at = NULL WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, StatePending, id); err != nil {
		return mapErr(op, err)
	}
	return nil
}

// DeleteDocument removes the document, its chunks, its vector entries, and
// its lexical postings. Idempotent: deleting an unknown id is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	const op = "store.DeleteDocument"

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		if qerr.IsKind(err, qerr.KindInvalidInput) {
			return nil
		}
		return err
	}
	if err := s.deleteChunkData(ctx, doc); err != nil {
		return err
	}

	query := s.q(`DELETE FROM documents WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return mapErr(op, err)
	}
	return nil
}

// deleteChunkData removes a document's chunks from all three engines.
func (s *Store) deleteChunkData(ctx context.Context, doc *Document) error {
	const op = "store.DeleteDocument"

	chunkIDs, err := s.chunkIDsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}

	// Rows first so a partial failure leaves no dangling references in the
	// relational engine; vector and lexical entries for missing rows are
	// invisible to search because results join back to chunks.
	query := s.q(`DELETE FROM chunks WHERE document_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, doc.ID); err != nil {
		return mapErr(op, err)
	}

	if err := s.vectors.DeleteDocument(ctx, doc.ID); err != nil {
		return qerr.E(qerr.KindStoreUnavailable, op, err)
	}

	ix := s.lexical.For(doc.OwnerID)
	for _, chunkID := range chunkIDs {
		ix.Remove(chunkID)
	}
	if err := s.lexical.Save(doc.OwnerID); err != nil {
		return qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc           Document
		title         sql.NullString
		source        sql.NullString
		stage         sql.NullString
		failureReason sql.NullString
		processedAt   sql.NullTime
	)
	err := row.Scan(&doc.ID, &doc.OwnerID, &title, &source, &doc.Kind, &doc.SizeBytes,
		&doc.Hash, &doc.State, &doc.Progress, &stage, &doc.ChunkCount,
		&failureReason, &doc.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	doc.Title = title.String
	doc.Source = source.String
	doc.Stage = stage.String
	doc.FailureReason = failureReason.String
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}
