package qerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfTagged(t *testing.T) {
	err := E(KindConflict, "store.CreateDocument", errors.New("duplicate"))
	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, IsKind(err, KindConflict))
	assert.False(t, IsKind(err, KindTimeout))
}

func TestKindOfWrapped(t *testing.T) {
	inner := E(KindStoreUnavailable, "store.InsertChunks", errors.New("locked"))
	wrapped := fmt.Errorf("ingest stage failed: %w", inner)
	assert.Equal(t, KindStoreUnavailable, KindOf(wrapped))
}

func TestKindOfContextErrors(t *testing.T) {
	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Ef(KindInvalidInput, "expander.Expand", "empty query")
	assert.Contains(t, err.Error(), "expander.Expand")
	assert.Contains(t, err.Error(), "invalid_input")
	assert.Contains(t, err.Error(), "empty query")
}

func TestIsMatchesKind(t *testing.T) {
	err := E(KindModelUnavailable, "embedder.Load", errors.New("connect refused"))
	assert.True(t, errors.Is(err, &Error{Kind: KindModelUnavailable}))
	assert.False(t, errors.Is(err, &Error{Kind: KindResourceExhausted}))
}
