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
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/llm"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// Expander generates alternative phrasings of a query to improve recall.
// Strictly best-effort: any model failure yields the original query alone.
type Expander struct {
	provider llm.Provider
	cfg      config.ExpansionConfig
}

// NewExpander builds a query expander over the shared LLM provider.
func NewExpander(provider llm.Provider, cfg config.ExpansionConfig) *Expander {
	return &Expander{provider: provider, cfg: cfg}
}

const expandPromptFormat = `Rephrase the search query below in %d different ways that preserve its meaning but use different wording. Write one rephrasing per line with no numbering, bullets, or commentary.

Query: %s`

// Expand returns the query set for retrieval: the original first, then up
// to n distinct variants. Variants duplicating the original or each other
// (case-insensitive) are dropped.
func (e *Expander) Expand(ctx context.Context, query string, n int) ([]string, error) {
	const op = "retrieval.Expand"

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "query text is required")
	}
	if n <= 0 {
		n = e.cfg.Count
	}
	if n == 0 {
		return []string{query}, nil
	}

	ctx, cancel := withSoftTimeout(ctx, e.cfg.Timeout.Duration())
	defer cancel()

	temperature := e.cfg.Temperature
	text, _, err := e.provider.Generate(ctx, fmt.Sprintf(expandPromptFormat, n, query), llm.Options{
		Temperature: &temperature,
		MaxTokens:   256,
	})
	if err != nil {
		slog.Warn("query expansion failed, using original query",
			"query", query, "error", err)
		return []string{query}, nil
	}

	out := []string{query}
	seen := map[string]bool{strings.ToLower(query): true}
	for _, line := range strings.Split(text, "\n") {
		variant := stripListPrefix(line)
		if variant == "" {
			continue
		}
		key := strings.ToLower(variant)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, variant)
		if len(out) == n+1 {
			break
		}
	}
	return out, nil
}

// stripListPrefix removes the bullet or number decoration models add
// despite being told not to, plus surrounding quotes.
func stripListPrefix(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimLeft(s, "-*•")
	s = strings.TrimSpace(s)

	i := 0
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	return strings.Trim(s, `"'`)
}
