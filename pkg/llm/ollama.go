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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// degradedWaiters is the queue depth at which HealthCheck reports Degraded.
const degradedWaiters = 2

// Ollama is the single-concurrency local daemon variant. The daemon serves
// one generation at a time per model, so a mutex serializes requests and a
// waiter count feeds the health probe.
type Ollama struct {
	host        string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client

	mu      sync.Mutex
	waiters atomic.Int32
}

// NewOllama builds the Ollama provider.
func NewOllama(cfg config.LLMConfig) *Ollama {
	temperature := 0.7
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &Ollama{
		host:        strings.TrimSuffix(cfg.Host, "/"),
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: cfg.Timeout.Duration()},
	}
}

func (p *Ollama) Name() string { return "ollama" }

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *Ollama) buildRequest(prompt string, stream bool, opts Options) ollamaGenerateRequest {
	model := p.model
	if opts.ModelID != "" {
		model = opts.ModelID
	}
	temperature := p.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	options := map[string]any{
		"temperature": temperature,
	}
	if maxTokens > 0 {
		options["num_predict"] = maxTokens
	}
	if len(opts.StopSequences) > 0 {
		options["stop"] = opts.StopSequences
	}
	if opts.TopP != nil {
		options["top_p"] = *opts.TopP
	}

	return ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: stream, Options: options}
}

// acquire takes the single-concurrency slot, honoring cancellation while
// queued.
func (p *Ollama) acquire(ctx context.Context) error {
	p.waiters.Add(1)
	defer p.waiters.Add(-1)

	locked := make(chan struct{})
	go func() {
		p.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		// The goroutine will take and release the lock eventually.
		go func() {
			<-locked
			p.mu.Unlock()
		}()
		return qerr.E(qerr.KindCancelled, "llm.Generate", ctx.Err())
	}
}

func (p *Ollama) Generate(ctx context.Context, prompt string, opts Options) (string, Usage, error) {
	const op = "llm.Generate"

	if err := p.acquire(ctx); err != nil {
		return "", Usage{}, err
	}
	defer p.mu.Unlock()

	resp, err := p.post(ctx, p.buildRequest(prompt, false, opts))
	if err != nil {
		return "", Usage{}, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, qerr.Ef(qerr.KindModelUnavailable, op,
			"ollama returned status %d: %s", resp.StatusCode, truncate(string(body)))
	}

	var out ollamaGenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", Usage{}, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if out.Error != "" {
		return "", Usage{}, qerr.Ef(qerr.KindModelUnavailable, op, "ollama error: %s", out.Error)
	}
	return out.Response, Usage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount}, nil
}

func (p *Ollama) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	const op = "llm.GenerateStream"

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, p.buildRequest(prompt, true, opts))
	if err != nil {
		p.mu.Unlock()
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		p.mu.Unlock()
		return nil, qerr.Ef(qerr.KindModelUnavailable, op,
			"ollama returned status %d: %s", resp.StatusCode, truncate(string(body)))
	}

	ch := make(chan StreamChunk, streamBuffer)
	go func() {
		defer p.mu.Unlock()
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		// The daemon emits newline-delimited JSON objects, one per token
		// group, with a final done object carrying the token counts.
		reader := bufio.NewReader(resp.Body)
		var usage Usage
		for {
			if err := ctx.Err(); err != nil {
				ch <- StreamChunk{Type: ChunkError, Err: qerr.E(qerr.KindCancelled, op, err)}
				return
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				ch <- StreamChunk{Type: ChunkError, Err: qerr.E(qerr.KindStreamTerminated, op, err)}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Error != "" {
				ch <- StreamChunk{Type: ChunkError,
					Err: qerr.Ef(qerr.KindStreamTerminated, op, "ollama error: %s", chunk.Error)}
				return
			}
			if chunk.Response != "" {
				ch <- StreamChunk{Type: ChunkText, Text: chunk.Response}
			}
			if chunk.Done {
				usage = Usage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
				break
			}
		}
		ch <- StreamChunk{Type: ChunkDone, Usage: usage}
	}()
	return ch, nil
}

func (p *Ollama) ListModels(ctx context.Context) ([]string, error) {
	const op = "llm.ListModels"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/tags", nil)
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, qerr.Ef(qerr.KindModelUnavailable, op, "ollama returned status %d", resp.StatusCode)
	}

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	names := make([]string, len(out.Models))
	for i, m := range out.Models {
		names[i] = m.Name
	}
	return names, nil
}

func (p *Ollama) HealthCheck(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.host+"/api/version", nil)
	if err != nil {
		return Down
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Down
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Down
	}
	if p.waiters.Load() >= degradedWaiters {
		return Degraded
	}
	return Healthy
}

func (p *Ollama) Close() error { return nil }

func (p *Ollama) post(ctx context.Context, body ollamaGenerateRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.client.Do(req)
}

func truncate(s string) string {
	if len(s) > 300 {
		return s[:300]
	}
	return s
}
