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

// Package ingest drives documents from upload to searchable completion.
//
// Each document walks a fixed stage sequence — intake, extraction,
// chunking, embedding, keyword indexing — with progress published on the
// session bus. The coordinator admits a bounded number of documents at
// once and serializes the embedding stage per owner, since the embedder
// is itself a serializing bottleneck.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/store"
)

// errPipelineFailed marks a failed or cancelled pipeline run in the
// ingestion metrics.
var errPipelineFailed = errors.New("pipeline did not complete")

// Stage progress bands. Within a band, stage-internal progress
// interpolates linearly.
const (
	bandIntakeEnd  = 5
	bandExtractEnd = 40
	bandChunkEnd   = 55
	bandEmbedEnd   = 95
	bandIndexEnd   = 100
)

// Request is one document upload.
type Request struct {
	OwnerID string
	Title   string
	Source  string
	Kind    extract.Kind
	Data    []byte
}

// Coordinator runs the ingestion state machine.
type Coordinator struct {
	store      *store.Store
	embedder   embedder.Embedder
	extractors *extract.Registry
	chunker    *chunker.Chunker
	bus        bus.Bus
	cfg        config.IngestConfig

	sem chan struct{}

	ownerMu sync.Mutex
	owners  map[string]*sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// New builds a coordinator. The worker pool admits cfg.Concurrency
// documents at once.
func New(st *store.Store, emb embedder.Embedder, extractors *extract.Registry,
	ch *chunker.Chunker, b bus.Bus, cfg config.IngestConfig) *Coordinator {
	return &Coordinator{
		store:      st,
		embedder:   emb,
		extractors: extractors,
		chunker:    ch,
		bus:        b,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.Concurrency),
		owners:     make(map[string]*sync.Mutex),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Ingest registers the document and starts processing in the background.
// When the owner already has this exact content in completed state, the
// existing id returns with alreadyPresent set and nothing is reprocessed;
// a previously failed upload of the same bytes is reset and retried.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (documentID string, alreadyPresent bool, err error) {
	const op = "ingest.Ingest"

	if req.OwnerID == "" {
		return "", false, qerr.Ef(qerr.KindInvalidInput, op, "owner id is required")
	}
	if len(req.Data) == 0 {
		return "", false, qerr.Ef(qerr.KindInvalidInput, op, "document is empty")
	}
	if req.Kind == "" {
		req.Kind = extract.KindText
	}
	if !extract.ValidKind(req.Kind) {
		return "", false, qerr.Ef(qerr.KindInvalidInput, op, "unknown content kind %q", req.Kind)
	}
	// Fail before accepting when the kind has no extractor, instead of
	// parking the document in failed state.
	if _, err := c.extractors.Get(req.Kind); err != nil {
		return "", false, qerr.E(qerr.KindInvalidInput, op, err)
	}

	sum := sha256.Sum256(req.Data)
	id, existing, err := c.store.CreateDocument(ctx, store.DocumentParams{
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		Source:    req.Source,
		Kind:      string(req.Kind),
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(req.Data)),
	})
	if err != nil {
		return "", false, err
	}

	if existing {
		doc, err := c.store.GetDocument(ctx, id)
		if err != nil {
			return "", false, err
		}
		if doc.State == store.StateCompleted {
			return id, true, nil
		}
		if doc.State == store.StateProcessing {
			// Already on its way; don't double-process.
			return id, false, nil
		}
		if err := c.store.ResetDocument(ctx, id); err != nil {
			return "", false, err
		}
	}

	if err := c.start(id, req); err != nil {
		return "", false, err
	}
	return id, false, nil
}

// start registers the cancel handle and spawns the worker.
func (c *Coordinator) start(documentID string, req Request) error {
	const op = "ingest.Ingest"

	// Processing outlives the upload request, so the worker gets its own
	// context; Cancel reaches it through the registry.
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return qerr.Ef(qerr.KindStoreUnavailable, op, "coordinator is shut down")
	}
	c.cancels[documentID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.cancels, documentID)
			c.mu.Unlock()
		}()

		select {
		case c.sem <- struct{}{}:
			defer func() { <-c.sem }()
		case <-ctx.Done():
			c.fail(documentID, "queued", "cancelled")
			return
		}
		c.process(ctx, documentID, req)
	}()
	return nil
}

// Cancel aborts an in-flight ingestion. Returns false when the document
// is not processing.
func (c *Coordinator) Cancel(documentID string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[documentID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every admitted document finishes.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close stops admitting documents and waits for in-flight ones.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) process(ctx context.Context, documentID string, req Request) {
	log := slog.With("document_id", documentID, "owner_id", req.OwnerID)
	prog := c.newProgress(documentID)

	started := time.Now()
	completed := false
	defer func() {
		var outcome error
		if !completed {
			outcome = errPipelineFailed
		}
		observability.GetGlobalMetrics().RecordIngest(ctx, string(req.Kind), time.Since(started), outcome)
	}()

	c.setState(documentID, prog, store.StateProcessing, bandIntakeEnd, "intake", "")

	// Extraction.
	extractor, err := c.extractors.Get(req.Kind)
	if err != nil {
		c.fail(documentID, "extraction", err.Error())
		return
	}
	content, err := extractor.Extract(ctx, req.Data, req.Source)
	if err != nil {
		c.failOrCancel(ctx, documentID, "extraction", err, log)
		return
	}
	c.setProgress(documentID, prog, bandExtractEnd, "extraction")

	// Chunking.
	drafts, err := c.chunker.Chunk(content)
	if err != nil {
		c.failOrCancel(ctx, documentID, "chunking", err, log)
		return
	}
	if len(drafts) == 0 {
		c.fail(documentID, "chunking", "document produced no chunks")
		return
	}
	c.setProgress(documentID, prog, bandChunkEnd, "chunking")

	// Embedding, one document per owner at a time.
	texts := make([]string, len(drafts))
	for i, d := range drafts {
		texts[i] = d.Text
	}
	ownerLock := c.ownerLock(req.OwnerID)
	ownerLock.Lock()
	embeddings, err := c.embedder.EmbedBatch(ctx, texts, embedder.Options{
		Progress: func(done, total int) {
			pct := bandChunkEnd + (bandEmbedEnd-bandChunkEnd)*done/total
			c.setProgress(documentID, prog, pct, "embedding")
		},
	})
	ownerLock.Unlock()
	if err != nil {
		c.failOrCancel(ctx, documentID, "embedding", err, log)
		return
	}

	chunks := make([]store.Chunk, len(drafts))
	for i, d := range drafts {
		chunks[i] = store.Chunk{
			Ordinal:        d.Ordinal,
			Content:        d.Text,
			ContentHash:    d.ContentHash,
			Kind:           d.Kind,
			CharCount:      d.CharCount,
			TokenCount:     d.TokenCount,
			SectionPath:    d.SectionPath,
			EmbeddingModel: c.embedder.ModelID(),
		}
	}
	inserted, err := c.store.InsertChunks(ctx, documentID, chunks, embeddings)
	if err != nil {
		c.failOrCancel(ctx, documentID, "embedding", err, log)
		return
	}
	c.setProgress(documentID, prog, bandEmbedEnd, "indexing")

	// Keyword index.
	ix := c.store.Lexical().For(req.OwnerID)
	for _, chunk := range inserted {
		ix.Add(chunk.ID, chunk.Content)
	}
	if err := c.store.Lexical().Save(req.OwnerID); err != nil {
		// The index rebuilds from the store; losing one snapshot write is
		// not worth failing the document over.
		log.Warn("keyword index snapshot failed", "error", err)
	}

	c.setState(documentID, prog, store.StateCompleted, bandIndexEnd, "completed", "")
	completed = true
	log.Info("document ingested", "chunks", len(inserted))
}

// failOrCancel distinguishes a cancelled ingestion from a stage failure.
// Cancellation rolls partially inserted chunks back before marking failed.
func (c *Coordinator) failOrCancel(ctx context.Context, documentID, stage string, err error, log *slog.Logger) {
	if ctx.Err() != nil || qerr.IsKind(err, qerr.KindCancelled) {
		cleanup, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelCleanup()
		if rerr := c.store.ResetDocument(cleanup, documentID); rerr != nil {
			log.Warn("cleanup after cancellation failed", "error", rerr)
		}
		c.fail(documentID, stage, "cancelled")
		log.Info("ingestion cancelled", "stage", stage)
		return
	}
	c.fail(documentID, stage, fmt.Sprintf("%s: %v", stage, err))
	log.Warn("ingestion failed", "stage", stage, "error", err)
}

func (c *Coordinator) fail(documentID, stage, reason string) {
	prog := c.newProgress(documentID)
	c.setState(documentID, prog, store.StateFailed, 0, stage, reason)
}

func (c *Coordinator) ownerLock(ownerID string) *sync.Mutex {
	c.ownerMu.Lock()
	defer c.ownerMu.Unlock()
	mu, ok := c.owners[ownerID]
	if !ok {
		mu = &sync.Mutex{}
		c.owners[ownerID] = mu
	}
	return mu
}

// progress rate-limits event emission for one document.
type progress struct {
	documentID string
	interval   time.Duration

	mu   sync.Mutex
	last time.Time
}

func (c *Coordinator) newProgress(documentID string) *progress {
	return &progress{documentID: documentID, interval: c.cfg.ProgressInterval.Duration()}
}

// setProgress advances a document inside a stage. Store updates keep the
// monotone-progress guarantee; bus events are rate-limited.
func (c *Coordinator) setProgress(documentID string, prog *progress, percent int, stage string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.UpdateDocumentStatus(ctx, documentID, store.StateProcessing, percent, stage, ""); err != nil {
		slog.Warn("progress update failed", "document_id", documentID, "error", err)
	}
	if prog.allow(false) {
		c.publish(ctx, documentID, string(store.StateProcessing), percent, stage)
	}
}

// setState transitions the document. State changes always emit.
func (c *Coordinator) setState(documentID string, prog *progress, state store.DocumentState, percent int, stage, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.store.UpdateDocumentStatus(ctx, documentID, state, percent, stage, reason); err != nil {
		slog.Warn("state update failed", "document_id", documentID, "error", err)
	}
	prog.allow(true)
	c.publish(ctx, documentID, string(state), percent, stage)
}

func (c *Coordinator) publish(ctx context.Context, documentID, state string, percent int, stage string) {
	err := c.bus.Publish(ctx, bus.ProgressTopic(documentID), bus.DocumentProgress{
		DocumentID: documentID,
		State:      state,
		Percent:    percent,
		StageLabel: stage,
	})
	if err != nil {
		slog.Warn("progress event dropped", "document_id", documentID, "error", err)
	}
}

// allow reports whether an event may be emitted now. force stamps and
// always allows.
func (p *progress) allow(force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if force || now.Sub(p.last) >= p.interval {
		p.last = now
		return true
	}
	return false
}
