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

// Package llm hides provider-specific differences behind one generation
// interface. The orchestrator, query expander, and corrective gate all speak
// to whichever provider configuration selected.
package llm

import (
	"context"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// Options tunes one generation call. Zero values fall back to the provider's
// configured defaults.
type Options struct {
	ModelID       string
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
	TopP          *float64
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total is the combined token count.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ChunkType tags a stream event.
type ChunkType string

const (
	ChunkText  ChunkType = "text"
	ChunkDone  ChunkType = "done"
	ChunkError ChunkType = "error"
)

// StreamChunk is one event on a generation stream. The producer closes the
// channel after emitting a terminal done or error chunk.
type StreamChunk struct {
	Type  ChunkType
	Text  string
	Usage Usage // populated on done
	Err   error // populated on error
}

// Health summarizes a provider's availability.
type Health int

const (
	// Down means the daemon is unreachable.
	Down Health = iota
	// Degraded means reachable but under pressure (requests queueing).
	Degraded
	// Healthy means ready for requests.
	Healthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "down"
	}
}

// Provider is the generation interface. Implementations are safe for
// concurrent use; single-concurrency daemons serialize internally.
type Provider interface {
	// Name identifies the provider in logs ("ollama", "vllm", "gemini").
	Name() string

	// Generate produces a complete response. Used for internal calls such
	// as query expansion and corrective scoring.
	Generate(ctx context.Context, prompt string, opts Options) (string, Usage, error)

	// GenerateStream produces text fragments on a buffered channel. The
	// channel closes after a terminal chunk; cancellation is observed
	// between chunks.
	GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error)

	// ListModels returns the model ids the provider serves.
	ListModels(ctx context.Context) ([]string, error)

	// HealthCheck probes the provider.
	HealthCheck(ctx context.Context) Health

	// Close releases the provider's resources.
	Close() error
}

// streamBuffer is the channel depth for GenerateStream. Big enough that a
// fast producer doesn't stall on a consumer doing per-token I/O.
const streamBuffer = 64

// New builds a provider from configuration.
func New(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.LLMProviderOllama, "":
		return NewOllama(cfg), nil
	case config.LLMProviderVLLM:
		return NewVLLM(cfg), nil
	case config.LLMProviderGemini:
		return NewGemini(cfg)
	default:
		return nil, qerr.Ef(qerr.KindInvalidInput, "llm.New", "unknown provider %q", cfg.Provider)
	}
}
