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

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing its oldest events.
const subscriberBuffer = 128

type memorySub struct {
	ch   chan Event
	once sync.Once
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}

// Memory is the in-process bus for single-worker deployments.
type Memory struct {
	cfg config.BusConfig

	mu       sync.RWMutex
	sessions map[string]*SessionState
	subs     map[string]map[int]*memorySub
	nextSub  int
	closed   bool

	done      chan struct{}
	closeOnce sync.Once
	janitorWG sync.WaitGroup
}

// NewMemory builds the in-process backend and starts its janitor.
func NewMemory(cfg config.BusConfig) *Memory {
	m := &Memory{
		cfg:      cfg,
		sessions: make(map[string]*SessionState),
		subs:     make(map[string]map[int]*memorySub),
		done:     make(chan struct{}),
	}
	m.janitorWG.Add(1)
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	defer m.janitorWG.Done()

	ticker := time.NewTicker(m.cfg.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = m.CleanupExpired(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *Memory) CreateSession(_ context.Context, ownerID string) (string, error) {
	const op = "bus.CreateSession"
	if ownerID == "" {
		return "", qerr.Ef(qerr.KindInvalidInput, op, "owner id is required")
	}

	id := uuid.NewString()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", qerr.Ef(qerr.KindStoreUnavailable, op, "bus is closed")
	}
	m.sessions[id] = &SessionState{
		ID:             id,
		OwnerID:        ownerID,
		LastActivityAt: time.Now(),
	}
	return id, nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (*SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || m.expired(s, time.Now()) {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (m *Memory) TouchSession(_ context.Context, sessionID string) error {
	return m.update("bus.TouchSession", sessionID, func(*SessionState) {})
}

func (m *Memory) SetConversation(_ context.Context, sessionID, conversationID string) error {
	return m.update("bus.SetConversation", sessionID, func(s *SessionState) {
		s.ConversationID = conversationID
	})
}

func (m *Memory) AttachStream(_ context.Context, sessionID, handle string) (bool, error) {
	const op = "bus.AttachStream"

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || m.expired(s, time.Now()) {
		return false, qerr.Ef(qerr.KindInvalidInput, op, "unknown session %q", sessionID)
	}
	if s.StreamHandle != "" {
		return false, nil
	}
	s.StreamHandle = handle
	s.LastActivityAt = time.Now()
	return true, nil
}

func (m *Memory) DetachStream(_ context.Context, sessionID string) error {
	return m.update("bus.DetachStream", sessionID, func(s *SessionState) {
		s.StreamHandle = ""
	})
}

// update applies fn to a live session and refreshes its activity stamp.
func (m *Memory) update(op, sessionID string, fn func(*SessionState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || m.expired(s, time.Now()) {
		return qerr.Ef(qerr.KindInvalidInput, op, "unknown session %q", sessionID)
	}
	fn(s)
	s.LastActivityAt = time.Now()
	return nil
}

func (m *Memory) Publish(_ context.Context, topic string, payload any) error {
	const op = "bus.Publish"

	data, err := encodePayload(payload)
	if err != nil {
		return qerr.E(qerr.KindInvalidInput, op, err)
	}
	event := Event{Topic: topic, Payload: data}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs[topic] {
		select {
		case sub.ch <- event:
		default:
			// Full buffer: drop the oldest so the subscriber keeps up
			// with the present instead of replaying the past.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string) (<-chan Event, func(), error) {
	const op = "bus.Subscribe"

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, qerr.Ef(qerr.KindStoreUnavailable, op, "bus is closed")
	}

	sub := &memorySub{ch: make(chan Event, subscriberBuffer)}
	id := m.nextSub
	m.nextSub++
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]*memorySub)
	}
	m.subs[topic][id] = sub

	cancel := func() {
		m.mu.Lock()
		if subs := m.subs[topic]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(m.subs, topic)
			}
		}
		m.mu.Unlock()
		sub.close()
	}
	return sub.ch, cancel, nil
}

func (m *Memory) CleanupExpired(context.Context) (int, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if m.expired(s, now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Healthy(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)

		m.mu.Lock()
		m.closed = true
		var all []*memorySub
		for _, subs := range m.subs {
			for _, sub := range subs {
				all = append(all, sub)
			}
		}
		m.subs = make(map[string]map[int]*memorySub)
		m.sessions = make(map[string]*SessionState)
		m.mu.Unlock()

		for _, sub := range all {
			sub.close()
		}
	})
	m.janitorWG.Wait()
	return nil
}

func (m *Memory) expired(s *SessionState, now time.Time) bool {
	ttl := m.cfg.TTL.Duration()
	return ttl > 0 && now.Sub(s.LastActivityAt) > ttl
}
