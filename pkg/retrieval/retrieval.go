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

// Package retrieval finds the chunks most relevant to a query.
//
// The hybrid retriever fans a query set out over dense-vector and BM25
// stages in parallel, fuses the ranked lists with weighted reciprocal rank
// fusion, and normalizes the fused scores onto [0,1]. The query expander
// and corrective gate wrap the retriever with LLM-assisted recall
// improvements; both degrade to a plain retrieval pass when the model
// misbehaves.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/store"
)

// Searcher is the slice of the store the retriever needs.
type Searcher interface {
	VectorSearch(ctx context.Context, ownerID string, queryEmbedding []float32, k int) ([]store.ScoredChunk, error)
	LexicalSearch(ctx context.Context, ownerID, query string, k int) ([]store.ScoredChunk, error)
}

// Result is one retrieved chunk with the scores it picked up along the
// pipeline. Score is the current ranking score; the per-source fields keep
// the raw stage scores for diagnostics and prompt construction.
type Result struct {
	Chunk         store.Chunk
	DocumentTitle string

	// Score is the pipeline's current relevance score in [0,1]. Fused at
	// retrieval; replaced by the reranker when reranking runs.
	Score float64

	VectorScore  float64
	LexicalScore float64
	RerankScore  float64

	// Transient marks chunks supplied by an external searcher. They are
	// never persisted.
	Transient bool
}

// Query is one retrieval request. Texts carries the expanded query set,
// original first; zero-valued caps fall back to configuration.
type Query struct {
	OwnerID string
	Texts   []string

	// K caps the fused result count.
	K int

	// KVec and KLex cap the per-query candidates from each stage.
	KVec int
	KLex int

	// UseHybrid adds the BM25 stage alongside vector search.
	UseHybrid bool

	// Weight biases fusion toward vector lists; zero uses the configured
	// hybrid_weight.
	Weight float64
}

// Retriever fuses vector and keyword search over the store.
type Retriever struct {
	search   Searcher
	embedder embedder.Embedder
	cfg      config.RetrievalConfig
}

// NewRetriever builds a hybrid retriever.
func NewRetriever(search Searcher, emb embedder.Embedder, cfg config.RetrievalConfig) *Retriever {
	return &Retriever{search: search, embedder: emb, cfg: cfg}
}

// rankedList is one stage's output for one query text, in rank order.
type rankedList struct {
	vector bool
	hits   []store.ScoredChunk
}

// Retrieve runs the stage fan-out, fuses, deduplicates, normalizes, and
// truncates. One stage failing is tolerated; every stage failing surfaces
// RetrievalFailed.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	const op = "retrieval.Retrieve"
	start := time.Now()

	if q.OwnerID == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "owner id is required")
	}
	texts := nonEmpty(q.Texts)
	if len(texts) == 0 {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "query text is required")
	}

	kOut := q.K
	if kOut <= 0 {
		kOut = r.cfg.KOut
	}
	kVec := q.KVec
	if kVec <= 0 {
		kVec = r.cfg.KVector
	}
	kLex := q.KLex
	if kLex <= 0 {
		kLex = r.cfg.KLexical
	}
	weight := q.Weight
	if weight <= 0 || weight > 1 {
		weight = r.cfg.HybridWeight
	}

	var (
		mu     sync.Mutex
		lists  []rankedList
		failed int
		stages int
	)
	g, gctx := errgroup.WithContext(ctx)

	for _, text := range texts {
		stages++
		g.Go(func() error {
			hits, err := r.vectorStage(gctx, q.OwnerID, text, kVec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Warn("vector retrieval stage failed", "owner_id", q.OwnerID, "error", err)
				return nil
			}
			if len(hits) > 0 {
				lists = append(lists, rankedList{vector: true, hits: hits})
			}
			return nil
		})

		if q.UseHybrid {
			stages++
			g.Go(func() error {
				hits, err := r.lexicalStage(gctx, q.OwnerID, text, kLex)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failed++
					slog.Warn("keyword retrieval stage failed", "owner_id", q.OwnerID, "error", err)
					return nil
				}
				if len(hits) > 0 {
					lists = append(lists, rankedList{hits: hits})
				}
				return nil
			})
		}
	}
	_ = g.Wait() // stage errors are collected, never propagated

	if err := ctx.Err(); err != nil {
		return nil, qerr.E(qerr.KindCancelled, op, err)
	}
	if failed == stages && stages > 0 {
		return nil, qerr.Ef(qerr.KindRetrievalFailed, op, "all %d retrieval stages failed", stages)
	}

	fused := fuse(lists, r.cfg.RRFK, weight)
	normalizeScores(fused)
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].Chunk.ID < fused[j].Chunk.ID
	})
	if len(fused) > kOut {
		fused = fused[:kOut]
	}
	source := "vector"
	if q.UseHybrid {
		source = "hybrid"
	}
	observability.GetGlobalMetrics().RecordRetrieval(ctx, source, time.Since(start), len(fused))
	return fused, nil
}

func (r *Retriever) vectorStage(ctx context.Context, ownerID, text string, k int) ([]store.ScoredChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.VectorTimeout.Duration())
	defer cancel()

	vec, err := r.embedder.EncodeQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return r.search.VectorSearch(ctx, ownerID, vec, k)
}

func (r *Retriever) lexicalStage(ctx context.Context, ownerID, text string, k int) ([]store.ScoredChunk, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LexicalTimeout.Duration())
	defer cancel()

	return r.search.LexicalSearch(ctx, ownerID, text, k)
}

// fuse merges the ranked lists with weighted reciprocal rank fusion. A
// chunk appearing in several lists accumulates contributions; duplicates
// collapse onto one Result keeping the best per-source raw score.
func fuse(lists []rankedList, rrfK int, weight float64) []Result {
	byID := make(map[string]*Result)
	var order []string

	for _, list := range lists {
		w := weight
		if !list.vector {
			w = 1 - weight
		}
		for rank, hit := range list.hits {
			res, ok := byID[hit.Chunk.ID]
			if !ok {
				res = &Result{Chunk: hit.Chunk, DocumentTitle: hit.DocumentTitle}
				byID[hit.Chunk.ID] = res
				order = append(order, hit.Chunk.ID)
			}
			res.Score += w / float64(rrfK+rank+1)
			if list.vector {
				if hit.Score > res.VectorScore {
					res.VectorScore = hit.Score
				}
			} else if hit.Score > res.LexicalScore {
				res.LexicalScore = hit.Score
			}
		}
	}

	out := make([]Result, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

// normalizeScores min-max rescales fused scores onto [0,1] in place so they
// are comparable to reranker output. A degenerate range maps to 1.
func normalizeScores(results []Result) {
	if len(results) == 0 {
		return
	}
	lo, hi := results[0].Score, results[0].Score
	for _, res := range results[1:] {
		if res.Score < lo {
			lo = res.Score
		}
		if res.Score > hi {
			hi = res.Score
		}
	}
	for i := range results {
		if hi > lo {
			results[i].Score = (results[i].Score - lo) / (hi - lo)
		} else {
			results[i].Score = 1
		}
	}
}

func nonEmpty(texts []string) []string {
	out := texts[:0:0]
	for _, t := range texts {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// mergeResults unions two result sets, deduplicating by chunk id and
// keeping the higher-scored occurrence.
func mergeResults(a, b []Result) []Result {
	out := make([]Result, 0, len(a)+len(b))
	seen := make(map[string]int, len(a))
	for _, res := range a {
		seen[res.Chunk.ID] = len(out)
		out = append(out, res)
	}
	for _, res := range b {
		if i, ok := seen[res.Chunk.ID]; ok {
			if res.Score > out[i].Score {
				out[i] = res
			}
			continue
		}
		seen[res.Chunk.ID] = len(out)
		out = append(out, res)
	}
	return out
}

// withSoftTimeout bounds ctx without letting a zero duration panic the
// caller.
func withSoftTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
