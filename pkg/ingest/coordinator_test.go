package ingest

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/index"
	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/store"
	"github.com/quarryhq/quarry/pkg/vector"
)

const testDim = 4

// blockingEmbedder embeds fixed vectors and can be told to stall or fail.
type blockingEmbedder struct {
	mu       sync.Mutex
	calls    int
	inFlight int
	maxSeen  int
	stall    chan struct{} // closed to release stalled calls
	fail     error
}

func (f *blockingEmbedder) EmbedBatch(ctx context.Context, texts []string, opts embedder.Options) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	stall, fail := f.stall, f.fail
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return nil, qerr.E(qerr.KindCancelled, "embedder.EmbedBatch", ctx.Err())
		}
	}
	if fail != nil {
		return nil, fail
	}
	if err := ctx.Err(); err != nil {
		return nil, qerr.E(qerr.KindCancelled, "embedder.EmbedBatch", err)
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0, 0}
		if opts.Progress != nil {
			opts.Progress(i+1, len(texts))
		}
	}
	return out, nil
}

func (f *blockingEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text}, embedder.Options{})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *blockingEmbedder) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	return f.EmbedOne(ctx, text)
}

func (f *blockingEmbedder) Load(context.Context) error   { return nil }
func (f *blockingEmbedder) Unload(context.Context) error { return nil }
func (f *blockingEmbedder) Dimension() int               { return testDim }
func (f *blockingEmbedder) ModelID() string              { return "test-embed" }
func (f *blockingEmbedder) Close() error                 { return nil }

type fixture struct {
	store       *store.Store
	embedder    *blockingEmbedder
	bus         *bus.Memory
	coordinator *Coordinator
}

func newFixture(t *testing.T, concurrency int) *fixture {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite3",
		filepath.Join(dir, "quarry.db")+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	vectors, err := vector.NewChromem(vector.ChromemOptions{})
	require.NoError(t, err)
	lexical, err := index.NewManager(filepath.Join(dir, "index"), index.DefaultParams())
	require.NoError(t, err)
	st, err := store.New(db, "sqlite", vectors, lexical, testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	busCfg := config.BusConfig{}
	busCfg.SetDefaults()
	b := bus.NewMemory(busCfg)
	t.Cleanup(func() { _ = b.Close() })

	ch, err := chunker.New(chunker.Policy{TargetWords: 40, OverlapWords: 8, MinWords: 5})
	require.NoError(t, err)

	emb := &blockingEmbedder{}
	cfg := config.IngestConfig{Concurrency: concurrency, ProgressInterval: config.Duration(time.Millisecond)}
	cfg.SetDefaults()
	cfg.Concurrency = concurrency
	cfg.ProgressInterval = config.Duration(time.Millisecond)

	coordinator := New(st, emb, extract.NewRegistry(), ch, b, cfg)
	t.Cleanup(func() { _ = coordinator.Close() })

	return &fixture{store: st, embedder: emb, bus: b, coordinator: coordinator}
}

func textRequest(owner, title, body string) Request {
	return Request{OwnerID: owner, Title: title, Source: title + ".txt", Kind: extract.KindText, Data: []byte(body)}
}

const sampleBody = `Paris is the capital of France. The city sits on the Seine and has been
a major European center for centuries. Its landmarks include the Eiffel
Tower and the Louvre, the world's most visited museum.`

func TestIngestCompletesDocument(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	id, already, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)
	assert.False(t, already)
	f.coordinator.Wait()

	doc, err := f.store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, doc.State)
	assert.Equal(t, 100, doc.Progress)
	assert.Greater(t, doc.ChunkCount, 0)
	require.NotNil(t, doc.ProcessedAt)

	// The document is immediately searchable through both stages.
	hits, err := f.store.LexicalSearch(ctx, "owner-1", "capital of France", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Chunk.Content, "Paris")

	vec, err := f.embedder.EncodeQuery(ctx, "capital")
	require.NoError(t, err)
	matches, err := f.store.VectorSearch(ctx, "owner-1", vec, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestIngestEmitsOrderedProgress(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Hold the pipeline at the embedding stage until subscribed, so the
	// terminal event cannot fire before anyone is listening.
	f.embedder.stall = make(chan struct{})
	id, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)

	events, cancel, err := f.bus.Subscribe(ctx, bus.ProgressTopic(id))
	require.NoError(t, err)
	defer cancel()

	close(f.embedder.stall)
	f.coordinator.Wait()

	// Drain what arrived after subscription; the terminal completed event
	// is guaranteed because state changes always emit.
	deadline := time.After(2 * time.Second)
	var last bus.DocumentProgress
	var percents []int
	for last.State != string(store.StateCompleted) {
		select {
		case e := <-events:
			require.NoError(t, e.Decode(&last))
			percents = append(percents, last.Percent)
		case <-deadline:
			t.Fatalf("no completed event; saw %v", percents)
		}
	}
	assert.Equal(t, 100, last.Percent)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress never regresses")
	}
}

func TestIngestDedupSkipsReprocessing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	id1, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)
	f.coordinator.Wait()
	callsAfterFirst := f.embedder.calls

	id2, already, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris-again", sampleBody))
	require.NoError(t, err)
	f.coordinator.Wait()

	assert.True(t, already)
	assert.Equal(t, id1, id2)
	assert.Equal(t, callsAfterFirst, f.embedder.calls, "duplicate content must not reach the embedder")
}

func TestIngestFailedDocumentRetries(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.embedder.fail = errors.New("model exploded")
	id1, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)
	f.coordinator.Wait()

	doc, err := f.store.GetDocument(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, store.StateFailed, doc.State)
	assert.Contains(t, doc.FailureReason, "embedding")

	// Same bytes again: failed state resets and reprocesses.
	f.embedder.fail = nil
	id2, already, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)
	f.coordinator.Wait()

	assert.False(t, already)
	assert.Equal(t, id1, id2, "retry reuses the document id")
	doc, err = f.store.GetDocument(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, doc.State)
}

func TestIngestCancelMarksFailedAndCleansUp(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.embedder.stall = make(chan struct{})
	id, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "paris", sampleBody))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.embedder.mu.Lock()
		defer f.embedder.mu.Unlock()
		return f.embedder.inFlight > 0
	}, 2*time.Second, 5*time.Millisecond, "embedding stage must be reached")

	assert.True(t, f.coordinator.Cancel(id))
	f.coordinator.Wait()

	doc, err := f.store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, doc.State)
	assert.Equal(t, "cancelled", doc.FailureReason)
	assert.Zero(t, doc.ChunkCount)

	chunks, err := f.store.ChunksByDocument(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, chunks, "cancellation removes partial chunks")

	assert.False(t, f.coordinator.Cancel(id), "cancel after completion reports not-in-flight")
}

func TestIngestSerializesEmbeddingPerOwner(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	f.embedder.stall = make(chan struct{})
	_, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "doc-a", sampleBody+" alpha"))
	require.NoError(t, err)
	_, _, err = f.coordinator.Ingest(ctx, textRequest("owner-1", "doc-b", sampleBody+" beta"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	close(f.embedder.stall)
	f.coordinator.Wait()

	f.embedder.mu.Lock()
	defer f.embedder.mu.Unlock()
	assert.Equal(t, 1, f.embedder.maxSeen, "one embedding stage per owner at a time")
	assert.Equal(t, 2, f.embedder.calls)
}

func TestIngestRejectsBadInput(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, _, err := f.coordinator.Ingest(ctx, Request{Title: "x", Data: []byte("body")})
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))

	_, _, err = f.coordinator.Ingest(ctx, Request{OwnerID: "owner-1"})
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))

	_, _, err = f.coordinator.Ingest(ctx, Request{OwnerID: "owner-1", Kind: "spreadsheet", Data: []byte("a,b")})
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))

	// Binary kind with no registered extractor is refused at the door.
	_, _, err = f.coordinator.Ingest(ctx, Request{OwnerID: "owner-1", Kind: extract.KindPDF, Data: []byte("%PDF")})
	assert.Equal(t, qerr.KindInvalidInput, qerr.KindOf(err))
}

func TestIngestExtractionFailureNamesStage(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Whitespace-only input extracts to zero blocks and chunks to nothing.
	id, _, err := f.coordinator.Ingest(ctx, textRequest("owner-1", "blank", "   \n\n   \n"))
	require.NoError(t, err)
	f.coordinator.Wait()

	doc, err := f.store.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, doc.State)
	assert.NotEmpty(t, doc.FailureReason)
}

func TestWatcherIngestsQuietFiles(t *testing.T) {
	f := newFixture(t, 2)

	dir := t.TempDir()
	cfg := config.IngestConfig{
		WatchPaths:    []string{dir},
		WatchDebounce: config.Duration(30 * time.Millisecond),
		WatchOwner:    "local",
	}
	cfg.SetDefaults()
	cfg.WatchDebounce = config.Duration(30 * time.Millisecond)

	w := NewWatcher(f.coordinator, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.NoError(t,
		writeFileSlow(filepath.Join(dir, "note.md"), "# Note\n\n"+sampleBody))

	require.Eventually(t, func() bool {
		docs, err := f.store.ListDocuments(context.Background(), "local")
		if err != nil || len(docs) != 1 {
			return false
		}
		return docs[0].State == store.StateCompleted
	}, 5*time.Second, 20*time.Millisecond)

	docs, err := f.store.ListDocuments(context.Background(), "local")
	require.NoError(t, err)
	assert.Equal(t, "note.md", docs[0].Title)
	assert.Equal(t, "markdown", docs[0].Kind)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

// writeFileSlow writes in two chunks so the debounce sees a second event.
func writeFileSlow(path, body string) error {
	half := len(body) / 2
	if err := writeAppend(path, body[:half]); err != nil {
		return err
	}
	time.Sleep(10 * time.Millisecond)
	return writeAppend(path, body[half:])
}

func writeAppend(path, chunk string) error {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()
	_, err = fh.WriteString(chunk)
	return err
}
