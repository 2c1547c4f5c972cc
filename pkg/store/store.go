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

// Package store is the sole authority over durable state: documents, chunks,
// conversations, and messages. It composes three engines behind one facade:
// relational rows (database/sql), the vector index (pkg/vector), and the
// per-owner lexical index (pkg/index). Nothing else in the core embeds SQL.
//
// Concurrency is handled by database-level locking (transactions), not Go
// mutexes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/pkg/index"
	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/vector"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store owns all durable state. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	dialect   string
	vectors   vector.Provider
	lexical   *index.Manager
	dimension int
}

// New builds a Store over an open database handle. The handle is shared (see
// config.DBPool) and is not closed by Store.Close.
func New(db *sql.DB, dialect string, vectors vector.Provider, lexical *index.Manager, dimension int) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if lexical == nil {
		return nil, fmt.Errorf("lexical index manager is required")
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &Store{
		db:        db,
		dialect:   dialect,
		vectors:   vectors,
		lexical:   lexical,
		dimension: dimension,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Dimension is the embedding length InsertChunks enforces.
func (s *Store) Dimension() int { return s.dimension }

// Lexical exposes the per-owner BM25 index manager. The ingestion coordinator
// uses it directly during the index stage.
func (s *Store) Lexical() *index.Manager { return s.lexical }

// Vectors exposes the vector provider for lifecycle management.
func (s *Store) Vectors() vector.Provider { return s.vectors }

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return qerr.E(qerr.KindStoreUnavailable, "store.Ping", err)
	}
	return nil
}

// Close releases the vector backend. The SQL handle belongs to the shared
// pool and stays open.
func (s *Store) Close() error {
	return s.vectors.Close()
}

// q rewrites ? placeholders to $n for postgres.
func (s *Store) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 20)
	n := 1
	for _, c := range query {
		if c == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// mapErr classifies a database error into the shared taxonomy.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return qerr.E(qerr.KindOf(err), op, err)
	}
	if isConstraintViolation(err) {
		return qerr.E(qerr.KindConflict, op, err)
	}
	return qerr.E(qerr.KindStoreUnavailable, op, err)
}

// isConstraintViolation matches unique/foreign-key violations across the
// three supported drivers by message, since database/sql has no portable
// error code surface.
func isConstraintViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "unique violation") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "constraint failed")
}

// notFound tags a missing-row error. The taxonomy has no dedicated kind;
// lookups by caller-supplied id classify as invalid input.
func notFound(op, what, id string) error {
	return qerr.Ef(qerr.KindInvalidInput, op, "%s %s not found", what, id)
}
