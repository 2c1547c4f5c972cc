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

// Package rerank reorders retrieval candidates with a cross-encoder served
// over a text-embeddings-inference compatible /rerank endpoint.
//
// Reranking is best-effort by contract: any failure logs a warning and the
// caller gets the pre-rerank ordering back, truncated to top-k.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
)

// Candidate is one (id, text) pair with its current relevance score. Rerank
// replaces Score with the cross-encoder's normalized score.
type Candidate struct {
	ID    string
	Text  string
	Score float64
}

// Reranker is the HTTP cross-encoder client. Safe for concurrent use.
type Reranker struct {
	host      string
	model     string
	batchSize int
	client    *http.Client

	mu     sync.Mutex
	loaded bool
	idle   *time.Timer

	idleTimeout time.Duration
}

// New builds a reranker client from configuration.
func New(cfg config.RerankerConfig) *Reranker {
	return &Reranker{
		host:        strings.TrimSuffix(cfg.Host, "/"),
		model:       cfg.Model,
		batchSize:   cfg.BatchSize,
		client:      &http.Client{Timeout: cfg.Timeout.Duration()},
		idleTimeout: cfg.IdleTimeout.Duration(),
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
}

type rerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores each (query, candidate) pair and returns candidates sorted
// by the new score, truncated to topK. The cross-encoder's score replaces
// whatever fused score the candidates carried. Errors are non-fatal: the
// input ordering comes back truncated instead.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int) []Candidate {
	if len(candidates) == 0 || topK <= 0 {
		return nil
	}

	scores, err := r.scoreAll(ctx, query, candidates)
	if err != nil {
		slog.Warn("reranking failed, keeping retrieval order",
			"model", r.model, "candidates", len(candidates), "error", err)
		return truncate(candidates, topK)
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Score = scores[i]
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, topK)
}

// scoreAll runs the pairs through the endpoint in mini-batches and returns
// one normalized score per candidate, input order.
func (r *Reranker) scoreAll(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	r.touch()

	raw := make([]float64, len(candidates))
	for start := 0; start < len(candidates); start += r.batchSize {
		end := start + r.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		texts := make([]string, end-start)
		for i, c := range candidates[start:end] {
			texts[i] = c.Text
		}

		results, err := r.post(ctx, rerankRequest{Query: query, Texts: texts, RawScores: true})
		if err != nil {
			return nil, err
		}
		if len(results) != len(texts) {
			return nil, fmt.Errorf("reranker returned %d scores for %d texts", len(results), len(texts))
		}
		for _, res := range results {
			if res.Index < 0 || res.Index >= len(texts) {
				return nil, fmt.Errorf("reranker returned out-of-range index %d", res.Index)
			}
			raw[start+res.Index] = res.Score
		}
	}

	return normalize(raw), nil
}

// normalize maps scores to [0,1]: raw logits go through a sigmoid; scores
// the endpoint already bounded pass through.
func normalize(scores []float64) []float64 {
	bounded := true
	for _, s := range scores {
		if s < 0 || s > 1 {
			bounded = false
			break
		}
	}
	if bounded {
		return scores
	}
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = 1 / (1 + math.Exp(-s))
	}
	return out
}

func (r *Reranker) post(ctx context.Context, body rerankRequest) ([]rerankResult, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.host+"/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, msg)
	}

	var results []rerankResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	return results, nil
}

// Load warms the endpoint so the first real rerank doesn't pay the model
// load. Idempotent; errors are the caller's signal the service is absent.
func (r *Reranker) Load(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	_, err := r.post(ctx, rerankRequest{Query: "warmup", Texts: []string{"warmup"}, RawScores: true})
	if err != nil {
		return err
	}
	r.touch()
	return nil
}

// Unload flips the resident flag. The serving side manages its own memory;
// this keeps the lifecycle symmetrical with the embedder for callers that
// coordinate both.
func (r *Reranker) Unload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	if r.idle != nil {
		r.idle.Stop()
	}
}

// touch marks the model resident and re-arms the idle timer.
func (r *Reranker) touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true
	if r.idle != nil {
		r.idle.Stop()
	}
	r.idle = time.AfterFunc(r.idleTimeout, r.Unload)
}

// Close stops the idle timer.
func (r *Reranker) Close() error {
	r.Unload()
	return nil
}

func truncate(candidates []Candidate, topK int) []Candidate {
	if len(candidates) <= topK {
		out := make([]Candidate, len(candidates))
		copy(out, candidates)
		return out
	}
	out := make([]Candidate, topK)
	copy(out, candidates[:topK])
	return out
}
