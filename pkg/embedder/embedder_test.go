package embedder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// fakeBackend records every call and fails batches larger than failAbove
// with an OOM-shaped error.
type fakeBackend struct {
	mu         sync.Mutex
	dimension  int
	failAbove  int // 0 disables
	batchSizes []int
	loads      int
	unloads    int
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
}

func (f *fakeBackend) embed(_ context.Context, texts []string) ([][]float32, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}

	f.mu.Lock()
	f.batchSizes = append(f.batchSizes, len(texts))
	failAbove := f.failAbove
	f.mu.Unlock()

	if failAbove > 0 && len(texts) > failAbove {
		return nil, &statusError{Status: 507, Body: "CUDA error: out of memory"}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dimension)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeBackend) load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return nil
}

func (f *fakeBackend) unload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads++
	return nil
}

func (f *fakeBackend) modelID() string { return "fake-embed" }

func (f *fakeBackend) counts() (loads, unloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.unloads
}

func testConfig() config.EmbedderConfig {
	cfg := config.EmbedderConfig{Dimension: 4, Model: "fake-embed"}
	cfg.SetDefaults()
	cfg.Dimension = 4
	return cfg
}

func newTestEmbedder(t *testing.T, b *fakeBackend, cfg config.EmbedderConfig) *serialized {
	t.Helper()
	if b.dimension == 0 {
		b.dimension = cfg.Dimension
	}
	s := newSerialized(b, cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk %d", i)
	}
	return out
}

func TestEmbedBatchLazyLoad(t *testing.T) {
	b := &fakeBackend{}
	s := newTestEmbedder(t, b, testConfig())

	vectors, err := s.EmbedBatch(context.Background(), texts(3), Options{})
	require.NoError(t, err)
	assert.Len(t, vectors, 3)
	assert.Len(t, vectors[0], 4)

	loads, _ := b.counts()
	assert.Equal(t, 1, loads)

	// Second call reuses the loaded model.
	_, err = s.EmbedBatch(context.Background(), texts(2), Options{})
	require.NoError(t, err)
	loads, _ = b.counts()
	assert.Equal(t, 1, loads)
}

func TestEmbedBatchSerializesCallers(t *testing.T) {
	b := &fakeBackend{}
	s := newTestEmbedder(t, b, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EmbedBatch(context.Background(), texts(20), Options{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), b.maxSeen.Load(), "backend must see one batch at a time")
}

func TestEmbedBatchOOMStepsDownAndRecovers(t *testing.T) {
	b := &fakeBackend{failAbove: 8}
	s := newTestEmbedder(t, b, testConfig())

	vectors, err := s.EmbedBatch(context.Background(), texts(40), Options{})
	require.NoError(t, err)
	assert.Len(t, vectors, 40)

	// Controller settled on the 8-wide rung after stepping down from 16.
	assert.Equal(t, 8, s.sizer.size())

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, size := range b.batchSizes[len(b.batchSizes)-2:] {
		assert.LessOrEqual(t, size, 8)
	}
}

func TestEmbedBatchOOMAtFloorFails(t *testing.T) {
	b := &alwaysOOMBackend{}
	cfg := testConfig()
	s := newSerialized(b, cfg)
	defer s.Close()

	_, err := s.EmbedBatch(context.Background(), texts(5), Options{})
	require.Error(t, err)
	assert.Equal(t, qerr.KindResourceExhausted, qerr.KindOf(err))
}

type alwaysOOMBackend struct{ loads int }

func (b *alwaysOOMBackend) embed(context.Context, []string) ([][]float32, error) {
	return nil, &statusError{Status: 507, Body: "out of memory"}
}
func (b *alwaysOOMBackend) load(context.Context) error   { b.loads++; return nil }
func (b *alwaysOOMBackend) unload(context.Context) error { return nil }
func (b *alwaysOOMBackend) modelID() string              { return "oom" }

func TestEmbedBatchNonOOMFailsImmediately(t *testing.T) {
	b := &failingBackend{err: errors.New("connection refused")}
	s := newSerialized(b, testConfig())
	defer s.Close()

	_, err := s.EmbedBatch(context.Background(), texts(2), Options{})
	require.Error(t, err)
	assert.Equal(t, qerr.KindModelUnavailable, qerr.KindOf(err))
	assert.Equal(t, 1, b.calls, "non-OOM errors must not burn retries")
}

type failingBackend struct {
	err   error
	calls int
}

func (b *failingBackend) embed(context.Context, []string) ([][]float32, error) {
	b.calls++
	return nil, b.err
}
func (b *failingBackend) load(context.Context) error   { return nil }
func (b *failingBackend) unload(context.Context) error { return nil }
func (b *failingBackend) modelID() string              { return "failing" }

func TestIdleUnloadAndLazyReload(t *testing.T) {
	b := &fakeBackend{}
	cfg := testConfig()
	cfg.IdleTimeout = config.Duration(30 * time.Millisecond)
	s := newTestEmbedder(t, b, cfg)

	_, err := s.EmbedBatch(context.Background(), texts(1), Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, unloads := b.counts()
		return unloads == 1
	}, time.Second, 5*time.Millisecond, "model should unload after idle period")

	// Next call reloads transparently.
	_, err = s.EmbedBatch(context.Background(), texts(1), Options{})
	require.NoError(t, err)
	loads, _ := b.counts()
	assert.Equal(t, 2, loads)
}

func TestLoadUnloadIdempotent(t *testing.T) {
	b := &fakeBackend{}
	s := newTestEmbedder(t, b, testConfig())
	ctx := context.Background()

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Load(ctx))
	loads, _ := b.counts()
	assert.Equal(t, 1, loads)

	require.NoError(t, s.Unload(ctx))
	require.NoError(t, s.Unload(ctx))
	_, unloads := b.counts()
	assert.Equal(t, 1, unloads)
}

func TestEncodeQueryAppliesPrefix(t *testing.T) {
	b := &capturingBackend{dimension: 4}
	cfg := testConfig()
	cfg.Model = "mxbai-embed-large"
	s := newSerialized(b, cfg)
	defer s.Close()

	_, err := s.EncodeQuery(context.Background(), "what is a quorum?")
	require.NoError(t, err)
	require.Len(t, b.texts, 1)
	assert.Equal(t, "Represent this sentence for searching relevant passages: what is a quorum?", b.texts[0])

	// Document embedding stays unprefixed.
	_, err = s.EmbedOne(context.Background(), "what is a quorum?")
	require.NoError(t, err)
	assert.Equal(t, "what is a quorum?", b.texts[1])
}

type capturingBackend struct {
	dimension int
	texts     []string
}

func (b *capturingBackend) embed(_ context.Context, texts []string) ([][]float32, error) {
	b.texts = append(b.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, b.dimension)
	}
	return out, nil
}
func (b *capturingBackend) load(context.Context) error   { return nil }
func (b *capturingBackend) unload(context.Context) error { return nil }
func (b *capturingBackend) modelID() string              { return "capturing" }

func TestDimensionMismatchRejected(t *testing.T) {
	b := &capturingBackend{dimension: 3}
	s := newSerialized(b, testConfig()) // expects 4
	defer s.Close()

	_, err := s.EmbedOne(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, qerr.KindModelUnavailable, qerr.KindOf(err))
}

func TestEmbedBatchProgress(t *testing.T) {
	b := &fakeBackend{}
	s := newTestEmbedder(t, b, testConfig())

	var mu sync.Mutex
	var reports [][2]int
	_, err := s.EmbedBatch(context.Background(), texts(40), Options{
		Progress: func(done, total int) {
			mu.Lock()
			reports = append(reports, [2]int{done, total})
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, reports)
	last := reports[len(reports)-1]
	assert.Equal(t, 40, last[0])
	assert.Equal(t, 40, last[1])
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	b := &fakeBackend{}
	s := newTestEmbedder(t, b, testConfig())

	vectors, err := s.EmbedBatch(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Nil(t, vectors)

	loads, _ := b.counts()
	assert.Zero(t, loads, "empty input must not load the model")
}

func TestCloseIdempotent(t *testing.T) {
	s := newSerialized(&fakeBackend{dimension: 4}, testConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.EmbedOne(context.Background(), "text")
	assert.Error(t, err)
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Backend = "bogus"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))
}

func TestAdaptiveSizerLadder(t *testing.T) {
	s := newAdaptiveSizer(16, true)
	assert.Equal(t, 16, s.size())

	assert.True(t, s.oom())
	assert.Equal(t, 12, s.size())
	assert.True(t, s.oom())
	assert.True(t, s.oom())
	assert.True(t, s.oom())
	assert.Equal(t, 1, s.size())
	assert.False(t, s.oom(), "floor reached")

	for i := 0; i < stepUpAfter; i++ {
		s.success()
	}
	assert.Equal(t, 4, s.size(), "long success streak steps up one rung")
}

func TestAdaptiveSizerFixedPolicy(t *testing.T) {
	s := newAdaptiveSizer(8, false)
	assert.Equal(t, 8, s.size())
	assert.False(t, s.oom())
	assert.Equal(t, 8, s.size())
}

func TestAdaptiveSizerRespectsMaxBatch(t *testing.T) {
	s := newAdaptiveSizer(12, true)
	assert.Equal(t, 12, s.size())
	for i := 0; i < stepUpAfter*2; i++ {
		s.success()
	}
	assert.Equal(t, 12, s.size(), "never exceeds configured maximum")
}

func TestQueryPrefixFamilies(t *testing.T) {
	assert.Equal(t, "query: ", queryPrefix("intfloat/e5-large-v2", ""))
	assert.Contains(t, queryPrefix("BAAI/bge-large-en", ""), "Represent this sentence")
	assert.Equal(t, "search_query: ", queryPrefix("nomic-embed-text", ""))
	assert.Empty(t, queryPrefix("all-minilm", ""))
	assert.Equal(t, "custom: ", queryPrefix("anything", "custom: "))
}

func TestIsOOMClassification(t *testing.T) {
	assert.True(t, isOOM(&statusError{Status: 507, Body: "insufficient storage"}))
	assert.True(t, isOOM(&statusError{Status: 500, Body: "CUDA error: out of memory"}))
	assert.True(t, isOOM(&statusError{Status: 500, Body: "failed to allocate 2GiB"}))
	assert.False(t, isOOM(&statusError{Status: 400, Body: "bad request"}))
	assert.False(t, isOOM(errors.New("connection refused")))
}
