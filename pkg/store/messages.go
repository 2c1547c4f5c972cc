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
	"time"

	"github.com/google/uuid"
)

// Conversation is an ordered message history for one owner.
type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn in a conversation. An assistant message stays partial
// while its stream is in flight and is finalized by UpdateMessageContent.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Metadata       map[string]any
	Partial        bool
	SequenceNum    int
	CreatedAt      time.Time
}

const messageCols = `id, conversation_id, role, content, metadata, partial, sequence_num, created_at`

// CreateConversation starts an empty conversation for the owner.
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*Conversation, error) {
	const op = "store.CreateConversation"

	conv := &Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt

	query := s.q(`INSERT INTO conversations (id, owner_id, title, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, mapErr(op, err)
	}
	return conv, nil
}

// GetConversation fetches one conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	const op = "store.GetConversation"

	query := s.q(`SELECT id, owner_id, title, created_at, updated_at
        FROM conversations WHERE id = ?`)
	var (
		conv  Conversation
		title sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.OwnerID, &title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound(op, "conversation", id)
	}
	if err != nil {
		return nil, mapErr(op, err)
	}
	conv.Title = title.String
	return &conv, nil
}

// ListConversations returns the owner's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error) {
	const op = "store.ListConversations"

	query := s.q(`SELECT id, owner_id, title, created_at, updated_at
        FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC, id`)
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		var (
			conv  Conversation
			title sql.NullString
		)
		if err := rows.Scan(&conv.ID, &conv.OwnerID, &title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, mapErr(op, err)
		}
		conv.Title = title.String
		convs = append(convs, &conv)
	}
	return convs, mapErr(op, rows.Err())
}

// DeleteConversation removes a conversation and its messages. Idempotent.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	const op = "store.DeleteConversation"

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE conversation_id = ?`), id); err != nil {
		return mapErr(op, err)
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return mapErr(op, err)
	}
	return nil
}

// AppendMessage adds a message at the next sequence number and touches the
// conversation. The sequence assignment and insert share one transaction so
// concurrent appends cannot collide.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, metadata map[string]any, partial bool) (*Message, error) {
	const op = "store.AppendMessage"

	metadataJSON, err := marshalJSONField(metadata)
	if err != nil {
		return nil, mapErr(op, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists string
	query := s.q(`SELECT id FROM conversations WHERE id = ?`)
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(op, "conversation", conversationID)
		}
		return nil, mapErr(op, err)
	}

	var seq int
	query = s.q(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM messages WHERE conversation_id = ?`)
	if err := tx.QueryRowContext(ctx, query, conversationID).Scan(&seq); err != nil {
		return nil, mapErr(op, err)
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Metadata:       metadata,
		Partial:        partial,
		SequenceNum:    seq,
		CreatedAt:      time.Now().UTC(),
	}

	query = s.q(`INSERT INTO messages (id, conversation_id, role, content, metadata, partial, sequence_num, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, metadataJSON,
		msg.Partial, msg.SequenceNum, msg.CreatedAt); err != nil {
		return nil, mapErr(op, err)
	}

	query = s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, query, msg.CreatedAt, conversationID); err != nil {
		return nil, mapErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(op, err)
	}
	return msg, nil
}

// UpdateMessageContent replaces a message's content, used to finalize (or
// checkpoint) a streamed assistant turn.
func (s *Store) UpdateMessageContent(ctx context.Context, id, content string, partial bool) error {
	const op = "store.UpdateMessageContent"

	query := s.q(`UPDATE messages SET content = ?, partial = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, content, partial, id)
	if err != nil {
		return mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(op, "message", id)
	}
	return nil
}

// UpdateMessageMetadata replaces a message's metadata map.
func (s *Store) UpdateMessageMetadata(ctx context.Context, id string, metadata map[string]any) error {
	const op = "store.UpdateMessageMetadata"

	metadataJSON, err := marshalJSONField(metadata)
	if err != nil {
		return mapErr(op, err)
	}
	query := s.q(`UPDATE messages SET metadata = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, metadataJSON, id)
	if err != nil {
		return mapErr(op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(op, "message", id)
	}
	return nil
}

// DeleteMessage removes one message, used when regenerating an answer.
// Idempotent.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	const op = "store.DeleteMessage"

	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM messages WHERE id = ?`), id); err != nil {
		return mapErr(op, err)
	}
	return nil
}

// ListMessages pages through a conversation newest-first. A zero cursor
// starts at the latest message; the returned cursor is the sequence number
// to pass next, or zero when exhausted.
func (s *Store) ListMessages(ctx context.Context, conversationID string, beforeCursor, limit int) ([]*Message, int, error) {
	const op = "store.ListMessages"

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageCols + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeCursor > 0 {
		query += ` AND sequence_num < ?`
		args = append(args, beforeCursor)
	}
	query += ` ORDER BY sequence_num DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, mapErr(op, err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapErr(op, err)
	}

	next := 0
	if len(msgs) == limit {
		next = msgs[len(msgs)-1].SequenceNum
	}
	return msgs, next, nil
}

// RecentMessages returns the last n messages in chronological order, the
// shape the orchestrator's memory wants.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]*Message, error) {
	const op = "store.RecentMessages"

	if n <= 0 {
		return nil, nil
	}

	// Subquery grabs the tail, outer query restores chronological order.
	query := s.q(`SELECT ` + messageCols + ` FROM (
        SELECT ` + messageCols + ` FROM messages
        WHERE conversation_id = ?
        ORDER BY sequence_num DESC LIMIT ?
    ) sub ORDER BY sequence_num ASC`)

	rows, err := s.db.QueryContext(ctx, query, conversationID, n)
	if err != nil {
		return nil, mapErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(op, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, mapErr(op, rows.Err())
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg          Message
		metadataJSON sql.NullString
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&metadataJSON, &msg.Partial, &msg.SequenceNum, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}
