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

package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// opKind distinguishes queue entries.
type opKind int

const (
	opEmbed opKind = iota
	opLoad
	opUnload
)

type request struct {
	kind  opKind
	ctx   context.Context
	texts []string
	opts  Options
	reply chan result
}

type result struct {
	vectors [][]float32
	err     error
}

// serialized owns the backend behind a FIFO queue: one goroutine processes
// requests in arrival order, runs the adaptive batch controller, and arms
// the idle-unload timer between requests.
type serialized struct {
	backend   backend
	queue     chan request
	done      chan struct{}
	stopped   chan struct{}
	dimension int
	prefix    string

	idleTimeout time.Duration
	maxRetries  int
	sizer       *adaptiveSizer

	loaded bool // dispatcher-owned
}

func newSerialized(b backend, cfg config.EmbedderConfig) *serialized {
	adaptive := true
	maxBatch := cfg.MaxBatch
	// batch_policy accepts "adaptive" (default) or a fixed integer.
	if cfg.BatchPolicy != "" && cfg.BatchPolicy != "adaptive" {
		if n, err := strconv.Atoi(cfg.BatchPolicy); err == nil && n > 0 {
			adaptive = false
			maxBatch = n
		}
	}

	s := &serialized{
		backend:     b,
		queue:       make(chan request),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		dimension:   cfg.Dimension,
		prefix:      queryPrefix(cfg.Model, cfg.QueryPrefix),
		idleTimeout: cfg.IdleTimeout.Duration(),
		maxRetries:  cfg.MaxRetries,
		sizer:       newAdaptiveSizer(maxBatch, adaptive),
	}
	go s.dispatch()
	return s
}

// dispatch is the single worker loop. Everything that touches the backend
// or the loaded flag runs here.
func (s *serialized) dispatch() {
	defer close(s.stopped)

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-s.queue:
			req.reply <- s.handle(req)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)

		case <-idle.C:
			if s.loaded {
				s.unloadLocked(context.Background())
				slog.Debug("embedding model unloaded after idle period",
					"model", s.backend.modelID(), "idle", s.idleTimeout)
			}
			idle.Reset(s.idleTimeout)

		case <-s.done:
			if s.loaded {
				s.unloadLocked(context.Background())
			}
			return
		}
	}
}

func (s *serialized) handle(req request) result {
	if err := req.ctx.Err(); err != nil {
		return result{err: qerr.E(qerr.KindCancelled, "embedder.EmbedBatch", err)}
	}

	switch req.kind {
	case opLoad:
		return result{err: s.loadLocked(req.ctx)}
	case opUnload:
		s.unloadLocked(req.ctx)
		return result{}
	default:
		return s.embedAll(req)
	}
}

func (s *serialized) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	if err := s.backend.load(ctx); err != nil {
		return qerr.E(qerr.KindModelUnavailable, "embedder.Load", err)
	}
	s.loaded = true
	return nil
}

func (s *serialized) unloadLocked(ctx context.Context) {
	if !s.loaded {
		return
	}
	if err := s.backend.unload(ctx); err != nil {
		slog.Warn("embedding model unload failed", "model", s.backend.modelID(), "error", err)
	}
	s.loaded = false
}

// embedAll walks the texts in sub-batches sized by the controller, retrying
// OOM failures at smaller sizes.
func (s *serialized) embedAll(req request) result {
	if err := s.loadLocked(req.ctx); err != nil {
		return result{err: err}
	}

	vectors := make([][]float32, 0, len(req.texts))
	total := len(req.texts)

	for start := 0; start < total; {
		if err := req.ctx.Err(); err != nil {
			return result{err: qerr.E(qerr.KindCancelled, "embedder.EmbedBatch", err)}
		}

		size := s.sizer.size()
		if req.opts.BatchSize > 0 {
			size = req.opts.BatchSize
		}
		end := start + size
		if end > total {
			end = total
		}

		batchStart := time.Now()
		batch, err := s.embedBatchWithRetry(req.ctx, req.texts[start:end])
		observability.GetGlobalMetrics().RecordEmbedBatch(req.ctx, s.backend.modelID(), end-start, time.Since(batchStart), err)
		if err != nil {
			return result{err: err}
		}

		for _, v := range batch {
			if len(v) != s.dimension {
				return result{err: qerr.Ef(qerr.KindModelUnavailable, "embedder.EmbedBatch",
					"model %s returned %d-dimensional vector, expected %d",
					s.backend.modelID(), len(v), s.dimension)}
			}
		}

		vectors = append(vectors, batch...)
		start = end
		s.sizer.success()
		if req.opts.Progress != nil {
			req.opts.Progress(start, total)
		}
	}
	return result{vectors: vectors}
}

// embedBatchWithRetry runs one sub-batch, stepping the controller down and
// re-splitting the batch on out-of-memory, up to maxRetries attempts.
func (s *serialized) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		out, err := s.embedPieces(ctx, texts)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if cerr := ctx.Err(); cerr != nil {
			return nil, qerr.E(qerr.KindCancelled, "embedder.EmbedBatch", cerr)
		}
		if !isOOM(err) {
			return nil, qerr.E(qerr.KindModelUnavailable, "embedder.EmbedBatch", err)
		}

		stepped := s.sizer.oom()
		slog.Warn("embedding batch hit memory pressure",
			"model", s.backend.modelID(), "batch", len(texts),
			"next_batch", s.sizer.size(), "attempt", attempt+1)
		if !stepped {
			break
		}
	}

	return nil, qerr.E(qerr.KindResourceExhausted, "embedder.EmbedBatch",
		fmt.Errorf("out of memory after %d retries: %w", s.maxRetries, lastErr))
}

// embedPieces sends texts to the backend in pieces no larger than the
// controller's current size.
func (s *serialized) embedPieces(ctx context.Context, texts []string) ([][]float32, error) {
	size := s.sizer.size()
	if size >= len(texts) {
		return s.backend.embed(ctx, texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		part, err := s.backend.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// submit queues a request and waits for its turn.
func (s *serialized) submit(ctx context.Context, req request) result {
	req.ctx = ctx
	req.reply = make(chan result, 1)

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return result{err: qerr.E(qerr.KindCancelled, "embedder", ctx.Err())}
	case <-s.done:
		return result{err: qerr.Ef(qerr.KindModelUnavailable, "embedder", "embedder closed")}
	}

	return <-req.reply
}

func (s *serialized) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := s.EmbedBatch(ctx, []string{text}, Options{})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (s *serialized) EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	res := s.submit(ctx, request{kind: opEmbed, texts: texts, opts: opts})
	return res.vectors, res.err
}

func (s *serialized) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	return s.EmbedOne(ctx, s.prefix+text)
}

func (s *serialized) Load(ctx context.Context) error {
	return s.submit(ctx, request{kind: opLoad}).err
}

func (s *serialized) Unload(ctx context.Context) error {
	return s.submit(ctx, request{kind: opUnload}).err
}

func (s *serialized) Dimension() int { return s.dimension }

func (s *serialized) ModelID() string { return s.backend.modelID() }

func (s *serialized) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	<-s.stopped
	return nil
}

func errUnknownBackend(name string) error {
	return qerr.Ef(qerr.KindInvalidInput, "embedder.New", "unknown backend %q", name)
}
