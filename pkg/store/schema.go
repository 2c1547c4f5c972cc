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
	"fmt"
	"time"
)

const createDocumentsSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    title VARCHAR(1024),
    source TEXT,
    kind VARCHAR(50) NOT NULL,
    size_bytes BIGINT NOT NULL DEFAULT 0,
    hash VARCHAR(128) NOT NULL,
    state VARCHAR(50) NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    stage VARCHAR(50),
    chunk_count INTEGER NOT NULL DEFAULT 0,
    failure_reason TEXT,
    created_at TIMESTAMP NOT NULL,
    processed_at TIMESTAMP,
    UNIQUE (owner_id, hash)
)`

const createDocumentsOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id, created_at)`

const createChunksSchemaSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    id VARCHAR(255) PRIMARY KEY,
    document_id VARCHAR(255) NOT NULL,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    content_hash VARCHAR(128) NOT NULL,
    kind VARCHAR(50) NOT NULL,
    char_count INTEGER NOT NULL DEFAULT 0,
    token_count INTEGER NOT NULL DEFAULT 0,
    section_path TEXT,
    embedding_model VARCHAR(255),
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (document_id, ordinal),
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
)`

const createChunksDocumentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal)`

const createConversationsSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id VARCHAR(255) PRIMARY KEY,
    owner_id VARCHAR(255) NOT NULL,
    title VARCHAR(1024),
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createConversationsOwnerIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at)`

const createMessagesSchemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id VARCHAR(255) PRIMARY KEY,
    conversation_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    partial BOOLEAN NOT NULL DEFAULT FALSE,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
)`

const createMessagesConversationIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_num)`

// initSchema creates the tables if they don't exist. Statements execute one
// at a time for SQLite compatibility.
func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createDocumentsSchemaSQL,
		createDocumentsOwnerIndexSQL,
		createChunksSchemaSQL,
		createChunksDocumentIndexSQL,
		createConversationsSchemaSQL,
		createConversationsOwnerIndexSQL,
		createMessagesSchemaSQL,
		createMessagesConversationIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
