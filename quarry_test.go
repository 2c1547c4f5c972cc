package quarry_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry"
	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/chat"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/ingest"
	"github.com/quarryhq/quarry/pkg/retrieval"
	"github.com/quarryhq/quarry/pkg/store"
)

// fakeDaemon stands in for a local ollama daemon: /api/embed for the
// embedder, /api/generate for the LLM, plus the version and tags probes.
type fakeDaemon struct {
	*httptest.Server

	mu           sync.Mutex
	embedBatches []int    // document batch sizes, warmup excluded
	queryEmbeds  int      // embeds carrying a query instruction prefix
	grades       []string // scripted replies for non-streaming generate
	gradeCalls   int
	streamTokens []string
	streamDelay  time.Duration
	oomOnce      bool // next batch of >= 16 texts fails with an OOM body
}

// embedText maps keywords to fixed directions so related texts land close
// in cosine space and unrelated ones do not.
func embedText(text string) []float32 {
	v := []float32{0, 0, 0, 0.05}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,?!\"'")
		switch w {
		case "capital", "paris", "france", "barcelona":
			v[0] += 1
		case "md", "molecular", "dynamics":
			v[1] += 1
		case "forcite":
			v[2] += 0.3
		}
	}
	return v
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{streamTokens: []string{"Paris ", "is the ", "capital ", "of France."}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", d.handleEmbed)
	mux.HandleFunc("/api/generate", d.handleGenerate)
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"version":"0.0.0"}`))
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.1"}]}`))
	})
	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Server.Close)
	return d
}

func (d *fakeDaemon) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	warmup := len(req.Input) == 1 && req.Input[0] == "warmup"
	query := len(req.Input) == 1 && strings.Contains(req.Input[0], "searching relevant passages")

	d.mu.Lock()
	if d.oomOnce && len(req.Input) >= 16 {
		d.oomOnce = false
		d.mu.Unlock()
		http.Error(w, "CUDA error: out of memory", http.StatusInternalServerError)
		return
	}
	if query {
		d.queryEmbeds++
	} else if !warmup && len(req.Input) > 0 {
		d.embedBatches = append(d.embedBatches, len(req.Input))
	}
	d.mu.Unlock()

	embeddings := make([][]float32, len(req.Input))
	for i, text := range req.Input {
		embeddings[i] = embedText(text)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": embeddings})
}

func (d *fakeDaemon) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	enc := json.NewEncoder(w)
	if !req.Stream {
		d.mu.Lock()
		reply := "ok"
		if d.gradeCalls < len(d.grades) {
			reply = d.grades[d.gradeCalls]
		}
		d.gradeCalls++
		d.mu.Unlock()
		_ = enc.Encode(map[string]any{
			"response": reply, "done": true, "prompt_eval_count": 5, "eval_count": 5,
		})
		return
	}

	flusher, _ := w.(http.Flusher)
	d.mu.Lock()
	tokens, delay := d.streamTokens, d.streamDelay
	d.mu.Unlock()
	for _, tok := range tokens {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(delay):
		}
		_ = enc.Encode(map[string]any{"response": tok, "done": false})
		if flusher != nil {
			flusher.Flush()
		}
	}
	_ = enc.Encode(map[string]any{"done": true, "prompt_eval_count": 20, "eval_count": len(tokens)})
}

func (d *fakeDaemon) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.embedBatches)
}

func newService(t *testing.T, d *fakeDaemon, tweak func(cfg *config.Config)) *quarry.Service {
	t.Helper()

	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Embedder.Host = d.URL
	cfg.Embedder.Dimension = 4
	cfg.LLM.Provider = config.LLMProviderOllama
	cfg.LLM.Host = d.URL
	cfg.Ingest.ProgressInterval = config.Duration(time.Millisecond)
	if tweak != nil {
		tweak(cfg)
	}

	svc, err := quarry.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func ingestText(t *testing.T, svc *quarry.Service, ownerID, title, body string) string {
	t.Helper()
	id, already, err := svc.Ingest(context.Background(), ingest.Request{
		OwnerID: ownerID,
		Title:   title,
		Kind:    extract.KindText,
		Data:    []byte(body),
	})
	require.NoError(t, err)
	require.False(t, already)
	svc.WaitIngest()

	doc, err := svc.Store().GetDocument(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, doc.State, "failure: %s", doc.FailureReason)
	return id
}

func drainStream(t *testing.T, s *chat.Stream) (events []bus.ChatEvent) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-s.Events:
			if !ok {
				<-s.Done()
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("answer stream did not close")
		}
	}
}

func TestIngestAndQueryRoundTrip(t *testing.T) {
	d := newFakeDaemon(t)
	svc := newService(t, d, nil)
	ctx := context.Background()

	docID := ingestText(t, svc, "u1", "capitals.txt",
		"Barcelona is the capital of Catalonia. Paris is the capital of France.")

	doc, err := svc.Store().GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, 1, doc.ChunkCount)
	require.NotNil(t, doc.ProcessedAt)

	chunks, err := svc.Store().ChunksByDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, chunks, doc.ChunkCount)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}

	results, err := svc.Retrieve(ctx, retrieval.Query{
		OwnerID:   "u1",
		Texts:     []string{"What is the capital of France?"},
		UseHybrid: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Chunk.Content, "Paris")

	s, err := svc.Answer(ctx, chat.Request{
		OwnerID:     "u1",
		UserMessage: "What is the capital of France?",
		UseRAG:      true,
		UseHybrid:   true,
	})
	require.NoError(t, err)
	events := drainStream(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, "sources", events[0].Type)
	assert.Equal(t, "done", events[len(events)-1].Type)
	assert.Contains(t, joinTokens(events), "Paris")

	health := svc.Health(ctx)
	assert.True(t, health.Store)
	assert.True(t, health.Bus)
	assert.True(t, health.LLM)
}

func joinTokens(events []bus.ChatEvent) string {
	var sb strings.Builder
	for _, e := range events {
		if e.Type == "token" {
			sb.WriteString(e.Text)
		}
	}
	return sb.String()
}

func TestDuplicateUploadShortCircuits(t *testing.T) {
	d := newFakeDaemon(t)
	svc := newService(t, d, nil)
	body := "The retry queue drains oldest first. Failed jobs requeue with doubled backoff."

	firstID := ingestText(t, svc, "u1", "runbook.txt", body)
	batchesAfterFirst := d.batchCount()

	secondID, already, err := svc.Ingest(context.Background(), ingest.Request{
		OwnerID: "u1",
		Title:   "runbook-copy.txt",
		Kind:    extract.KindText,
		Data:    []byte(body),
	})
	require.NoError(t, err)
	assert.True(t, already)
	assert.Equal(t, firstID, secondID)
	svc.WaitIngest()
	assert.Equal(t, batchesAfterFirst, d.batchCount(), "re-upload must not re-embed")
}

func TestHybridFusionCombinesStages(t *testing.T) {
	d := newFakeDaemon(t)
	svc := newService(t, d, nil)
	ctx := context.Background()

	ingestText(t, svc, "u3", "c1.txt", "the Forcite module documentation")
	ingestText(t, svc, "u3", "c2.txt", "molecular dynamics simulation guide")
	ingestText(t, svc, "u3", "c3.txt", "baking sourdough bread at home")

	results, err := svc.Retrieve(ctx, retrieval.Query{
		OwnerID:   "u3",
		Texts:     []string{"Forcite MD guide"},
		UseHybrid: true,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(results), 2)

	top2 := results[0].Chunk.Content + " " + results[1].Chunk.Content
	assert.Contains(t, top2, "Forcite module")
	assert.Contains(t, top2, "molecular dynamics")

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score, "fused scores must be non-increasing")
	}
}

func TestOwnerIsolation(t *testing.T) {
	d := newFakeDaemon(t)
	svc := newService(t, d, nil)
	ctx := context.Background()

	ingestText(t, svc, "alice", "a.txt", "the capital planning spreadsheet")

	results, err := svc.Retrieve(ctx, retrieval.Query{
		OwnerID: "bob",
		Texts:   []string{"capital planning"},
	})
	require.NoError(t, err)
	assert.Empty(t, results, "an owner with no documents retrieves nothing")
}

func TestStopMidStreamFlushesPartial(t *testing.T) {
	d := newFakeDaemon(t)
	d.mu.Lock()
	d.streamTokens = make([]string, 100)
	for i := range d.streamTokens {
		d.streamTokens[i] = "word "
	}
	d.streamDelay = 30 * time.Millisecond
	d.mu.Unlock()

	svc := newService(t, d, nil)
	ctx := context.Background()

	sessionID, err := svc.CreateSession(ctx, "u4")
	require.NoError(t, err)
	sessionEvents, cancel, err := svc.Bus().Subscribe(ctx, bus.ChatTopic(sessionID))
	require.NoError(t, err)
	defer cancel()

	s, err := svc.Answer(ctx, chat.Request{
		SessionID:   sessionID,
		OwnerID:     "u4",
		UserMessage: "tell me a very long story",
	})
	require.NoError(t, err)

	// Let it stream briefly, then stop.
	received := 0
	for e := range s.Events {
		if e.Type == "token" {
			received++
			if received == 3 {
				s.Stop()
			}
		}
	}

	stopped := time.Now()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop within the flush window")
	}
	assert.Less(t, time.Since(stopped), 2*time.Second)
	require.Less(t, received, 100, "token emission must cease after stop")

	msgs, err := svc.Store().RecentMessages(ctx, s.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Partial)
	assert.Contains(t, msgs[1].Content, "word")

	// stream_ended with reason=cancelled lands on the session topic.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sessionEvents:
			var ended bus.StreamEnded
			if err := e.Decode(&ended); err == nil && ended.Reason == bus.ReasonCancelled {
				return
			}
		case <-deadline:
			t.Fatal("no cancelled stream_ended on the session topic")
		}
	}
}

func TestEmbedderOOMRecovers(t *testing.T) {
	d := newFakeDaemon(t)
	d.mu.Lock()
	d.oomOnce = true
	d.mu.Unlock()

	svc := newService(t, d, func(cfg *config.Config) {
		cfg.Chunking.TargetWords = 12
		cfg.Chunking.OverlapWords = 2
		cfg.Chunking.MinWords = 3
	})
	ctx := context.Background()

	// Enough distinct paragraphs to fill more than one max-size batch.
	var sb strings.Builder
	for i := 0; i < 24; i++ {
		sb.WriteString("Section about topic number ")
		sb.WriteString(strings.Repeat("detail ", 10))
		sb.WriteString("end of section.\n\n")
	}
	docID := ingestText(t, svc, "u5", "long.txt", sb.String())

	doc, err := svc.Store().GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, store.StateCompleted, doc.State)

	chunks, err := svc.Store().ChunksByDocument(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, chunks, doc.ChunkCount, "no partial chunk sets after recovery")
	require.Greater(t, doc.ChunkCount, 16, "document must span multiple batches")

	d.mu.Lock()
	batches := append([]int(nil), d.embedBatches...)
	oomPending := d.oomOnce
	d.mu.Unlock()
	assert.False(t, oomPending, "the oversized batch must have been attempted")
	// Every successful batch ran at a reduced size after the memory error.
	require.NotEmpty(t, batches)
	for _, b := range batches {
		assert.Less(t, b, 16, "batch size must step down after the memory error")
	}
}

func TestCorrectiveGateRetriesOnce(t *testing.T) {
	d := newFakeDaemon(t)
	d.mu.Lock()
	d.grades = []string{"[9, 1, 1, 1, 1]"}
	d.mu.Unlock()

	svc := newService(t, d, func(cfg *config.Config) {
		cfg.Corrective.Enabled = true
	})
	ctx := context.Background()

	for _, body := range []string{
		"alpha release checklist and sign-off steps",
		"beta rollout owners and escalation paths",
		"gamma dashboard metrics reference",
		"delta on-call rotation schedule",
		"epsilon postmortem archive index",
	} {
		ingestText(t, svc, "u6", body[:5]+".txt", body)
	}

	d.mu.Lock()
	queryEmbedsBefore := d.queryEmbeds
	d.mu.Unlock()

	s, err := svc.Answer(ctx, chat.Request{
		OwnerID:       "u6",
		UserMessage:   "where is the rollout checklist?",
		UseRAG:        true,
		UseCorrective: true,
	})
	require.NoError(t, err)
	events := drainStream(t, s)
	require.NotEmpty(t, events)
	assert.Equal(t, "done", events[len(events)-1].Type)

	var sources []bus.ChatSource
	for _, e := range events {
		if e.Type == "sources" {
			sources = e.Sources
		}
	}
	assert.Len(t, sources, 5, "the gated union keeps all candidates")

	d.mu.Lock()
	gradeCalls := d.gradeCalls
	queryEmbeds := d.queryEmbeds - queryEmbedsBefore
	d.mu.Unlock()
	assert.Equal(t, 1, gradeCalls, "one grading pass, no second re-trial")
	assert.Equal(t, 2, queryEmbeds, "initial retrieval plus exactly one widened re-trial")
}

func TestDeleteDocumentIdempotent(t *testing.T) {
	d := newFakeDaemon(t)
	svc := newService(t, d, nil)
	ctx := context.Background()

	docID := ingestText(t, svc, "u7", "gone.txt", "ephemeral content scheduled for deletion")

	require.NoError(t, svc.Store().DeleteDocument(ctx, docID))
	require.NoError(t, svc.Store().DeleteDocument(ctx, docID), "second delete is a no-op")

	results, err := svc.Retrieve(ctx, retrieval.Query{
		OwnerID: "u7",
		Texts:   []string{"ephemeral content"},
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}
