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

package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

const sessionKeyPrefix = "quarry:session:"

// attachScript claims the stream slot only when it is empty, atomically
// across workers.
var attachScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'stream_handle')
if current and current ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'stream_handle', ARGV[1], 'last_activity_at', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Redis is the multi-worker bus backend. Sessions live in hashes with
// native TTL expiry; events ride redis pub/sub.
type Redis struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	closed bool
}

// NewRedis connects the redis backend. Connectivity is probed at startup
// so a misconfigured address fails fast instead of on first publish.
func NewRedis(cfg config.BusConfig) (*Redis, error) {
	const op = "bus.New"

	if cfg.Redis == nil || cfg.Redis.Addr == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, qerr.E(qerr.KindStoreUnavailable, op, err)
	}

	return &Redis{client: client, ttl: cfg.TTL.Duration()}, nil
}

func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func (r *Redis) ttlSeconds() int {
	secs := int(r.ttl / time.Second)
	if secs <= 0 {
		secs = 3600
	}
	return secs
}

func (r *Redis) CreateSession(ctx context.Context, ownerID string) (string, error) {
	const op = "bus.CreateSession"
	if ownerID == "" {
		return "", qerr.Ef(qerr.KindInvalidInput, op, "owner id is required")
	}

	id := uuid.NewString()
	key := sessionKey(id)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key,
		"owner_id", ownerID,
		"conversation_id", "",
		"stream_handle", "",
		"last_activity_at", time.Now().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return id, nil
}

func (r *Redis) GetSession(ctx context.Context, sessionID string) (*SessionState, error) {
	const op = "bus.GetSession"

	fields, err := r.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	s := &SessionState{
		ID:             sessionID,
		OwnerID:        fields["owner_id"],
		ConversationID: fields["conversation_id"],
		StreamHandle:   fields["stream_handle"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_activity_at"]); err == nil {
		s.LastActivityAt = ts
	}
	return s, nil
}

func (r *Redis) TouchSession(ctx context.Context, sessionID string) error {
	return r.update(ctx, "bus.TouchSession", sessionID)
}

func (r *Redis) SetConversation(ctx context.Context, sessionID, conversationID string) error {
	return r.update(ctx, "bus.SetConversation", sessionID,
		"conversation_id", conversationID)
}

func (r *Redis) AttachStream(ctx context.Context, sessionID, handle string) (bool, error) {
	const op = "bus.AttachStream"

	if err := r.requireSession(ctx, op, sessionID); err != nil {
		return false, err
	}
	ok, err := attachScript.Run(ctx, r.client, []string{sessionKey(sessionID)},
		handle, time.Now().Format(time.RFC3339Nano), r.ttlSeconds()).Int()
	if err != nil {
		return false, qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return ok == 1, nil
}

func (r *Redis) DetachStream(ctx context.Context, sessionID string) error {
	return r.update(ctx, "bus.DetachStream", sessionID, "stream_handle", "")
}

// update writes field pairs plus a fresh activity stamp and refreshes the
// TTL.
func (r *Redis) update(ctx context.Context, op, sessionID string, pairs ...any) error {
	if err := r.requireSession(ctx, op, sessionID); err != nil {
		return err
	}

	key := sessionKey(sessionID)
	args := append(pairs, "last_activity_at", time.Now().Format(time.RFC3339Nano))
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, args...)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return nil
}

func (r *Redis) requireSession(ctx context.Context, op, sessionID string) error {
	n, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	if n == 0 {
		return qerr.Ef(qerr.KindInvalidInput, op, "unknown session %q", sessionID)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	const op = "bus.Publish"

	data, err := encodePayload(payload)
	if err != nil {
		return qerr.E(qerr.KindInvalidInput, op, err)
	}
	if err := r.client.Publish(ctx, topic, data).Err(); err != nil {
		return qerr.E(qerr.KindStoreUnavailable, op, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan Event, func(), error) {
	const op = "bus.Subscribe"

	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, qerr.E(qerr.KindStoreUnavailable, op, err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Event{Topic: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}

// CleanupExpired is a no-op: redis expires session keys natively.
func (r *Redis) CleanupExpired(context.Context) (int, error) {
	return 0, nil
}

// Healthy pings the server. A failed ping means cross-worker routing is
// down and the deployment should degrade to single-worker mode.
func (r *Redis) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}
