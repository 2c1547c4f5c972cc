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

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/llm"
)

// ExternalSearcher supplies supplementary chunks from outside the local
// corpus when retrieval keeps coming up short. Results are transient and
// never persisted.
type ExternalSearcher interface {
	Search(ctx context.Context, ownerID, query string, k int) ([]Result, error)
}

// RetryFunc re-runs retrieval with candidate caps scaled by capScale. The
// gate invokes it at most once per query.
type RetryFunc func(ctx context.Context, capScale int) ([]Result, error)

// Gate judges whether retrieved candidates actually answer the query and
// triggers one broadened re-trial when they don't. Every failure path
// returns the input untouched.
type Gate struct {
	provider llm.Provider
	cfg      config.CorrectiveConfig
	external ExternalSearcher
}

// NewGate builds a corrective gate. external may be nil; it is consulted
// only when external search is enabled in configuration.
func NewGate(provider llm.Provider, cfg config.CorrectiveConfig, external ExternalSearcher) *Gate {
	return &Gate{provider: provider, cfg: cfg, external: external}
}

// Check grades the candidates and, when fewer than min_relevant clear the
// threshold, re-retrieves once with doubled caps and returns the deduped
// union. The caller re-ranks the union if reranking is on.
func (g *Gate) Check(ctx context.Context, ownerID, query string, results []Result, retry RetryFunc) []Result {
	if len(results) == 0 && retry == nil {
		return results
	}

	relevant, err := g.countRelevant(ctx, query, results)
	if err != nil {
		slog.Warn("relevance gate failed, passing results through ungated",
			"owner_id", ownerID, "error", err)
		return results
	}
	if relevant >= g.cfg.MinRelevant {
		return results
	}

	slog.Info("relevance gate triggered re-retrieval",
		"owner_id", ownerID, "relevant", relevant, "min_relevant", g.cfg.MinRelevant)

	union := results
	if retry != nil {
		widened, err := retry(ctx, 2)
		if err != nil {
			slog.Warn("gated re-retrieval failed", "owner_id", ownerID, "error", err)
		} else {
			union = mergeResults(results, widened)
		}
	}

	if g.cfg.ExternalSearch && g.external != nil {
		union = g.supplement(ctx, ownerID, query, union)
	}
	return union
}

// supplement appends transient external results when the union is still
// under-supplied after the re-trial.
func (g *Gate) supplement(ctx context.Context, ownerID, query string, union []Result) []Result {
	relevant, err := g.countRelevant(ctx, query, union)
	if err != nil || relevant >= g.cfg.MinRelevant {
		return union
	}

	external, err := g.external.Search(ctx, ownerID, query, g.cfg.MinRelevant)
	if err != nil {
		slog.Warn("external search failed", "owner_id", ownerID, "error", err)
		return union
	}
	for i := range external {
		external[i].Transient = true
	}
	return mergeResults(union, external)
}

const gradePromptFormat = `Rate how relevant each passage is to the question on a 0-10 scale, where 10 means the passage directly answers it and 0 means it is unrelated.

Question: %s

%s
Reply with only a JSON array of %d integers, one score per passage in order.`

func (g *Gate) countRelevant(ctx context.Context, query string, results []Result) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}

	ctx, cancel := withSoftTimeout(ctx, g.cfg.Timeout.Duration())
	defer cancel()

	var sb strings.Builder
	for i, res := range results {
		fmt.Fprintf(&sb, "Passage %d:\n%s\n\n", i+1, clip(res.Chunk.Content, 600))
	}

	zero := 0.0
	text, _, err := g.provider.Generate(ctx,
		fmt.Sprintf(gradePromptFormat, query, sb.String(), len(results)),
		llm.Options{Temperature: &zero, MaxTokens: 256})
	if err != nil {
		return 0, err
	}

	scores, err := parseScores(text, len(results))
	if err != nil {
		return 0, err
	}
	relevant := 0
	for _, s := range scores {
		if s >= g.cfg.Threshold {
			relevant++
		}
	}
	return relevant, nil
}

// parseScores pulls the first JSON array out of the reply. Models wrap the
// array in prose or code fences often enough that strict decoding of the
// whole reply is a losing game. Missing entries score 0; extras are
// dropped.
func parseScores(text string, n int) ([]int, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in grading reply: %q", clip(text, 120))
	}

	var raw []float64
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("malformed grading reply: %w", err)
	}

	scores := make([]int, n)
	for i := 0; i < n && i < len(raw); i++ {
		s := int(raw[i])
		if s < 0 {
			s = 0
		}
		if s > 10 {
			s = 10
		}
		scores[i] = s
	}
	return scores, nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
