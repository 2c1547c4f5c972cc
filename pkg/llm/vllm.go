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

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// VLLM is the batched high-throughput variant: an OpenAI-compatible server
// with continuous batching, so concurrent callers stream side by side with
// no client-side serialization.
type VLLM struct {
	host        string
	model       string
	apiKey      string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewVLLM builds the vLLM provider.
func NewVLLM(cfg config.LLMConfig) *VLLM {
	temperature := 0.7
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &VLLM{
		host:        strings.TrimSuffix(cfg.Host, "/"),
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: cfg.Timeout.Duration()},
	}
}

func (p *VLLM) Name() string { return "vllm" }

type vllmCompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
}

type vllmCompletionResponse struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *VLLM) buildRequest(prompt string, stream bool, opts Options) vllmCompletionRequest {
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
	return vllmCompletionRequest{
		Model:       model,
		Prompt:      prompt,
		Stream:      stream,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stop:        opts.StopSequences,
		TopP:        opts.TopP,
	}
}

func (p *VLLM) Generate(ctx context.Context, prompt string, opts Options) (string, Usage, error) {
	const op = "llm.Generate"

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
			"completion request failed with status %d: %s", resp.StatusCode, truncate(string(body)))
	}

	var out vllmCompletionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", Usage{}, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if len(out.Choices) == 0 {
		return "", Usage{}, qerr.Ef(qerr.KindModelUnavailable, op, "empty completion response")
	}
	usage := Usage{PromptTokens: out.Usage.PromptTokens, CompletionTokens: out.Usage.CompletionTokens}
	return out.Choices[0].Text, usage, nil
}

func (p *VLLM) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	const op = "llm.GenerateStream"

	resp, err := p.post(ctx, p.buildRequest(prompt, true, opts))
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, qerr.Ef(qerr.KindModelUnavailable, op,
			"completion request failed with status %d: %s", resp.StatusCode, truncate(string(body)))
	}

	ch := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		// OpenAI-style SSE: "data: {json}" lines, "data: [DONE]" terminator.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var usage Usage
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				ch <- StreamChunk{Type: ChunkError, Err: qerr.E(qerr.KindCancelled, op, err)}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var chunk vllmCompletionResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				usage = Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
				}
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Text != "" {
				ch <- StreamChunk{Type: ChunkText, Text: chunk.Choices[0].Text}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- StreamChunk{Type: ChunkError, Err: qerr.E(qerr.KindStreamTerminated, op, err)}
			return
		}
		ch <- StreamChunk{Type: ChunkDone, Usage: usage}
	}()
	return ch, nil
}

func (p *VLLM) ListModels(ctx context.Context) ([]string, error) {
	const op = "llm.ListModels"

	req, err := p.request(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, qerr.Ef(qerr.KindModelUnavailable, op, "model list failed with status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	ids := make([]string, len(out.Data))
	for i, m := range out.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (p *VLLM) HealthCheck(ctx context.Context) Health {
	req, err := p.request(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return Down
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Down
	}
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return Healthy
	case resp.StatusCode >= 500:
		return Down
	default:
		return Degraded
	}
}

func (p *VLLM) Close() error { return nil }

func (p *VLLM) post(ctx context.Context, body vllmCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := p.request(ctx, http.MethodPost, "/v1/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	return p.client.Do(req)
}

func (p *VLLM) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.host+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}
