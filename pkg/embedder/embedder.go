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

// Package embedder produces dense embeddings and manages the embedding
// model's lifecycle.
//
// The accelerator admits one batch at a time, so all calls funnel through a
// single dispatcher that preserves arrival order. Batch size adapts to
// memory pressure, and the model unloads itself after an idle period and
// reloads lazily on the next call.
package embedder

import (
	"context"
	"strings"

	"github.com/quarryhq/quarry/pkg/config"
)

// Options tunes one EmbedBatch call.
type Options struct {
	// BatchSize fixes the sub-batch size; zero selects adaptive sizing.
	BatchSize int

	// Progress, when set, is called after each completed sub-batch with
	// the number of texts embedded so far and the total.
	Progress func(done, total int)
}

// Embedder is the component interface. Implementations are safe for
// concurrent use; concurrent calls serialize in FIFO order.
type Embedder interface {
	// EmbedOne embeds a single document text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order. The result has one vector per
	// input text.
	EmbedBatch(ctx context.Context, texts []string, opts Options) ([][]float32, error)

	// EncodeQuery embeds a query, applying the model's query instruction
	// prefix when the model family distinguishes queries from documents.
	EncodeQuery(ctx context.Context, text string) ([]float32, error)

	// Load makes the model resident. Idempotent; callers rarely need it
	// because every embed call loads lazily.
	Load(ctx context.Context) error

	// Unload releases accelerator memory. Idempotent.
	Unload(ctx context.Context) error

	// Dimension is the vector length this embedder produces.
	Dimension() int

	// ModelID names the embedding model.
	ModelID() string

	// Close unloads the model and stops the dispatcher.
	Close() error
}

// backend is the raw model client behind the serializing front. Backends
// are not safe for concurrent use; the dispatcher guarantees one caller.
type backend interface {
	embed(ctx context.Context, texts []string) ([][]float32, error)
	load(ctx context.Context) error
	unload(ctx context.Context) error
	modelID() string
}

// New builds the configured embedder: an HTTP backend wrapped in the
// serializing dispatcher.
func New(cfg config.EmbedderConfig) (Embedder, error) {
	var b backend
	switch cfg.Backend {
	case "ollama", "":
		b = newOllamaBackend(cfg)
	case "openai":
		b = newOpenAIBackend(cfg)
	default:
		return nil, errUnknownBackend(cfg.Backend)
	}
	return newSerialized(b, cfg), nil
}

// queryPrefix returns the instruction prepended to query texts for models
// whose training distinguishes queries from documents. Document texts are
// embedded without a prefix.
func queryPrefix(modelID, override string) string {
	if override != "" {
		return override
	}
	model := strings.ToLower(modelID)
	switch {
	case strings.Contains(model, "e5"):
		return "query: "
	case strings.Contains(model, "bge"):
		return "Represent this sentence for searching relevant passages: "
	case strings.Contains(model, "nomic"):
		return "search_query: "
	case strings.Contains(model, "mxbai"):
		return "Represent this sentence for searching relevant passages: "
	default:
		return ""
	}
}
