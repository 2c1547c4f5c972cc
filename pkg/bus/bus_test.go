package bus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

func memoryBus(t *testing.T, ttl time.Duration) *Memory {
	t.Helper()
	cfg := config.BusConfig{TTL: config.Duration(ttl)}
	cfg.SetDefaults()
	cfg.TTL = config.Duration(ttl)
	m := NewMemory(cfg)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestSessionLifecycle(t *testing.T) {
	m := memoryBus(t, time.Hour)
	ctx := context.Background()

	id, err := m.CreateSession(ctx, "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := m.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "owner-1", s.OwnerID)
	assert.Empty(t, s.ConversationID)

	require.NoError(t, m.SetConversation(ctx, id, "conv-1"))
	s, err = m.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", s.ConversationID)

	s2, err := m.GetSession(ctx, "no-such-session")
	require.NoError(t, err)
	assert.Nil(t, s2)
}

func TestCreateSessionRequiresOwner(t *testing.T) {
	m := memoryBus(t, time.Hour)

	_, err := m.CreateSession(context.Background(), "")
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))
}

func TestAttachStreamCAS(t *testing.T) {
	m := memoryBus(t, time.Hour)
	ctx := context.Background()

	id, err := m.CreateSession(ctx, "owner-1")
	require.NoError(t, err)

	ok, err := m.AttachStream(ctx, id, "gen-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second generation must not steal the slot.
	ok, err = m.AttachStream(ctx, id, "gen-2")
	require.NoError(t, err)
	assert.False(t, ok)

	s, err := m.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "gen-1", s.StreamHandle)

	require.NoError(t, m.DetachStream(ctx, id))
	ok, err = m.AttachStream(ctx, id, "gen-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPublishSubscribe(t *testing.T) {
	m := memoryBus(t, time.Hour)
	ctx := context.Background()

	events, cancel, err := m.Subscribe(ctx, "chat/s1/stream")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Publish(ctx, "chat/s1/stream", ChatEvent{Type: "token", Text: "hi"}))
	require.NoError(t, m.Publish(ctx, "chat/other/stream", ChatEvent{Type: "token", Text: "not mine"}))
	require.NoError(t, m.Publish(ctx, "chat/s1/stream", StreamEnded{SessionID: "s1", Reason: ReasonComplete}))

	var ev ChatEvent
	e := <-events
	require.NoError(t, e.Decode(&ev))
	assert.Equal(t, "token", ev.Type)
	assert.Equal(t, "hi", ev.Text)

	var ended StreamEnded
	e = <-events
	require.NoError(t, e.Decode(&ended))
	assert.Equal(t, ReasonComplete, ended.Reason)

	select {
	case e := <-events:
		t.Fatalf("unexpected event: %s", e.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEmissionOrderPreserved(t *testing.T) {
	m := memoryBus(t, time.Hour)
	ctx := context.Background()

	events, cancel, err := m.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, m.Publish(ctx, "topic", ChatEvent{Type: "token", Text: string(rune('a' + i%26))}))
	}
	prev := -1
	for i := 0; i < 50; i++ {
		e := <-events
		var ev ChatEvent
		require.NoError(t, e.Decode(&ev))
		assert.Equal(t, string(rune('a'+i%26)), ev.Text)
		prev++
	}
	assert.Equal(t, 49, prev)
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	m := memoryBus(t, time.Hour)
	ctx := context.Background()

	events, cancel, err := m.Subscribe(ctx, "topic")
	require.NoError(t, err)
	defer cancel()

	// Nobody drains: overflow past the buffer must not block Publish.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		require.NoError(t, m.Publish(ctx, "topic", DocumentProgress{Percent: i}))
	}

	received := 0
	var last DocumentProgress
	for {
		select {
		case e := <-events:
			require.NoError(t, e.Decode(&last))
			received++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, received, subscriberBuffer)
	assert.Equal(t, total-1, last.Percent, "newest event survives the overflow")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := memoryBus(t, time.Hour)

	events, cancel, err := m.Subscribe(context.Background(), "topic")
	require.NoError(t, err)
	cancel()

	_, open := <-events
	assert.False(t, open)

	// Publishing to a topic with no subscribers is fine.
	require.NoError(t, m.Publish(context.Background(), "topic", ChatEvent{Type: "token"}))
}

func TestCleanupExpired(t *testing.T) {
	m := memoryBus(t, 30*time.Millisecond)
	ctx := context.Background()

	stale, err := m.CreateSession(ctx, "owner-1")
	require.NoError(t, err)
	fresh, err := m.CreateSession(ctx, "owner-2")
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, m.TouchSession(ctx, fresh), "touch within the sweep keeps the session alive")

	removed, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	s, err := m.GetSession(ctx, stale)
	require.NoError(t, err)
	assert.Nil(t, s)
	s, err = m.GetSession(ctx, fresh)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestExpiredSessionInvisibleBeforeSweep(t *testing.T) {
	m := memoryBus(t, 10*time.Millisecond)
	ctx := context.Background()

	id, err := m.CreateSession(ctx, "owner-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s, err := m.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s, "TTL applies on read, not just on sweep")

	err = m.TouchSession(ctx, id)
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	cfg := config.BusConfig{}
	cfg.SetDefaults()
	m := NewMemory(cfg)

	events, _, err := m.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	_, open := <-events
	assert.False(t, open)
	assert.False(t, m.Healthy(context.Background()))

	_, _, err = m.Subscribe(context.Background(), "topic")
	assert.Error(t, err)
	require.NoError(t, m.Close(), "close is idempotent")
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.BusConfig{Backend: "memory"}
	cfg.SetDefaults()
	b, err := New(cfg)
	require.NoError(t, err)
	require.IsType(t, &Memory{}, b)
	_ = b.Close()

	_, err = New(config.BusConfig{Backend: "zookeeper"})
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))
}

// Redis round-trip, exercised only when a server is provided.
func TestRedisBus(t *testing.T) {
	addr := os.Getenv("QUARRY_TEST_REDIS")
	if addr == "" {
		t.Skip("set QUARRY_TEST_REDIS to run redis bus tests")
	}

	cfg := config.BusConfig{Backend: "redis", Redis: &config.RedisConfig{Addr: addr}}
	cfg.SetDefaults()
	b, err := NewRedis(cfg)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	id, err := b.CreateSession(ctx, "owner-1")
	require.NoError(t, err)

	ok, err := b.AttachStream(ctx, id, "gen-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.AttachStream(ctx, id, "gen-2")
	require.NoError(t, err)
	assert.False(t, ok)

	events, cancel, err := b.Subscribe(ctx, ChatTopic(id))
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.Publish(ctx, ChatTopic(id), ChatEvent{Type: "token", Text: "hi"}))
	select {
	case e := <-events:
		var ev ChatEvent
		require.NoError(t, e.Decode(&ev))
		assert.Equal(t, "hi", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}
