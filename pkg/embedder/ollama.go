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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/httpclient"
)

// ollamaBackend talks to Ollama's batch embedding endpoint (/api/embed).
type ollamaBackend struct {
	host   string
	model  string
	client *httpclient.Client
}

func newOllamaBackend(cfg config.EmbedderConfig) *ollamaBackend {
	return &ollamaBackend{
		host:  strings.TrimSuffix(cfg.Host, "/"),
		model: cfg.Model,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
			httpclient.WithMaxRetries(0), // batch retry policy lives in the dispatcher
		),
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`

	// KeepAlive controls how long Ollama keeps the model resident.
	// "0" evicts immediately; empty uses the server default.
	KeepAlive string `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *ollamaBackend) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.post(ctx, ollamaEmbedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs",
			len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// load issues a tiny warm-up request so the model is resident before real
// batches arrive.
func (o *ollamaBackend) load(ctx context.Context) error {
	_, err := o.post(ctx, ollamaEmbedRequest{Model: o.model, Input: []string{"warmup"}})
	return err
}

// unload asks Ollama to evict the model by sending keep_alive: 0.
func (o *ollamaBackend) unload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := o.post(ctx, ollamaEmbedRequest{Model: o.model, Input: []string{}, KeepAlive: "0"})
	return err
}

func (o *ollamaBackend) modelID() string { return o.model }

func (o *ollamaBackend) post(ctx context.Context, body ollamaEmbedRequest) (*ollamaEmbedResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{Status: resp.StatusCode, Body: string(data)}
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	return &out, nil
}
