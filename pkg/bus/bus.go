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

// Package bus carries session state and event fan-out between workers.
//
// A front-end worker can serve any session because session state lives on
// the bus, and events published on one worker reach subscribers on another.
// The memory backend covers single-process deployments; redis covers
// multi-worker ones. Delivery is at-most-once: token streams are not
// persisted, so a subscriber that reconnects mid-stream observes
// termination and resubscribes.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// SessionState is one connected client's routing state.
type SessionState struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	StreamHandle   string    `json:"stream_handle,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Event is one delivered message. Payload is the published value encoded
// as JSON.
type Event struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// DocumentProgress is published on document_progress topics during
// ingestion.
type DocumentProgress struct {
	DocumentID string `json:"document_id"`
	State      string `json:"state"`
	Percent    int    `json:"percent"`
	StageLabel string `json:"stage_label"`
}

// ChatEvent is published on chat stream topics while a turn generates.
type ChatEvent struct {
	Type     string         `json:"type"` // token, sources, done, error
	Text     string         `json:"text,omitempty"`
	Sources  []ChatSource   `json:"sources,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// ChatSource describes one retrieved chunk cited by an answer.
type ChatSource struct {
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	ChunkID       string  `json:"chunk_id"`
	Score         float64 `json:"score"`
}

// StreamEnded closes out a chat stream.
type StreamEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// Stream end reasons.
const (
	ReasonComplete  = "complete"
	ReasonCancelled = "cancelled"
	ReasonError     = "error"
)

// ChatTopic is the stream topic for a session.
func ChatTopic(sessionID string) string {
	return "chat/" + sessionID + "/stream"
}

// ProgressTopic is the ingestion progress topic for a document.
func ProgressTopic(documentID string) string {
	return "document_progress/" + documentID
}

// Bus is the session table plus topic pub/sub. Implementations are safe
// for concurrent use.
type Bus interface {
	// CreateSession registers a new session for an owner and returns its id.
	CreateSession(ctx context.Context, ownerID string) (string, error)

	// GetSession returns the session state, or nil when unknown or expired.
	GetSession(ctx context.Context, sessionID string) (*SessionState, error)

	// TouchSession refreshes the session's activity timestamp and TTL.
	TouchSession(ctx context.Context, sessionID string) error

	// SetConversation points the session at a conversation.
	SetConversation(ctx context.Context, sessionID, conversationID string) error

	// AttachStream claims the session's in-flight stream slot. Returns
	// false without modifying anything when a stream is already attached.
	AttachStream(ctx context.Context, sessionID, handle string) (bool, error)

	// DetachStream clears the stream slot.
	DetachStream(ctx context.Context, sessionID string) error

	// Publish sends payload (JSON-encoded) to the topic's subscribers.
	Publish(ctx context.Context, topic string, payload any) error

	// Subscribe returns a channel of events for the topic and a cancel
	// function. The channel closes after cancel or bus shutdown.
	Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error)

	// CleanupExpired sweeps TTL-expired sessions, returning how many were
	// removed. Backends with native expiry return 0.
	CleanupExpired(ctx context.Context) (int, error)

	// Healthy reports whether the backing store is reachable. An
	// unreachable bus degrades the system to single-worker mode.
	Healthy(ctx context.Context) bool

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}

// New builds the configured bus backend.
func New(cfg config.BusConfig) (Bus, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(cfg), nil
	case "redis":
		return NewRedis(cfg)
	default:
		return nil, qerr.Ef(qerr.KindInvalidInput, "bus.New", "unknown backend %q", cfg.Backend)
	}
}

// RunJanitor drives CleanupExpired on the interval until ctx is cancelled.
// The memory backend sweeps internally as well; an external loop makes the
// sweep observable and covers backends without one.
func RunJanitor(ctx context.Context, b Bus, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := b.CleanupExpired(ctx)
			if err != nil {
				slog.Warn("session cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("expired sessions removed", "count", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

func encodePayload(payload any) ([]byte, error) {
	if b, ok := payload.([]byte); ok {
		return b, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return b, nil
}
