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
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/qerr"
)

// Gemini is the hosted-API variant, proving the abstraction is additive
// beyond local daemons. Uses the official genai SDK.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewGemini builds the Gemini provider.
func NewGemini(cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, "llm.New", "gemini requires an api key")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, qerr.E(qerr.KindModelUnavailable, "llm.New",
			fmt.Errorf("failed to create gemini client: %w", err))
	}

	temperature := 0.7
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}
	return &Gemini{
		client:      client,
		model:       cfg.Model,
		temperature: temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) buildConfig(opts Options) *genai.GenerateContentConfig {
	temperature := p.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := p.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	if len(opts.StopSequences) > 0 {
		cfg.StopSequences = opts.StopSequences
	}
	if opts.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*opts.TopP))
	}
	return cfg
}

func (p *Gemini) modelFor(opts Options) string {
	if opts.ModelID != "" {
		return opts.ModelID
	}
	return p.model
}

func (p *Gemini) Generate(ctx context.Context, prompt string, opts Options) (string, Usage, error) {
	const op = "llm.Generate"

	resp, err := p.client.Models.GenerateContent(ctx, p.modelFor(opts),
		genai.Text(prompt), p.buildConfig(opts))
	if err != nil {
		return "", Usage{}, qerr.E(qerr.KindModelUnavailable, op, err)
	}
	if len(resp.Candidates) == 0 {
		return "", Usage{}, qerr.Ef(qerr.KindModelUnavailable, op, "empty response from gemini")
	}

	var text string
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			text += part.Text
		}
	}
	return text, geminiUsage(resp), nil
}

func (p *Gemini) GenerateStream(ctx context.Context, prompt string, opts Options) (<-chan StreamChunk, error) {
	const op = "llm.GenerateStream"

	ch := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(ch)

		var usage Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.modelFor(opts),
			genai.Text(prompt), p.buildConfig(opts)) {
			if err != nil {
				kind := qerr.KindStreamTerminated
				if ctx.Err() != nil {
					kind = qerr.KindCancelled
				}
				ch <- StreamChunk{Type: ChunkError, Err: qerr.E(kind, op, err)}
				return
			}
			if u := geminiUsage(resp); u.Total() > 0 {
				usage = u
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text != "" {
					ch <- StreamChunk{Type: ChunkText, Text: part.Text}
				}
			}
		}
		ch <- StreamChunk{Type: ChunkDone, Usage: usage}
	}()
	return ch, nil
}

func (p *Gemini) ListModels(ctx context.Context) ([]string, error) {
	// The configured model is the only one this provider addresses; model
	// discovery over the hosted API needs list permissions many keys lack.
	return []string{p.model}, nil
}

func (p *Gemini) HealthCheck(ctx context.Context) Health {
	_, err := p.client.Models.CountTokens(ctx, p.model,
		genai.Text("ping"), nil)
	if err != nil {
		return Down
	}
	return Healthy
}

func (p *Gemini) Close() error { return nil }

func geminiUsage(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
		CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
	}
}
