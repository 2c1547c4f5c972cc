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

package quarry

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/chat"
	"github.com/quarryhq/quarry/pkg/chunker"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/embedder"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/index"
	"github.com/quarryhq/quarry/pkg/ingest"
	"github.com/quarryhq/quarry/pkg/llm"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/rerank"
	"github.com/quarryhq/quarry/pkg/retrieval"
	"github.com/quarryhq/quarry/pkg/store"
	"github.com/quarryhq/quarry/pkg/utils"
	"github.com/quarryhq/quarry/pkg/vector"
)

// Service wires the component packages into one runnable core. Construct it
// with New, use it from any number of goroutines, and Close it when done.
type Service struct {
	cfg *config.Config

	pool     *config.DBPool
	store    *store.Store
	embedder embedder.Embedder
	provider llm.Provider
	reranker *rerank.Reranker
	bus      bus.Bus

	retriever *retrieval.Retriever
	expander  *retrieval.Expander
	gate      *retrieval.Gate

	coordinator  *ingest.Coordinator
	watcher      *ingest.Watcher
	orchestrator *chat.Orchestrator

	obs *observability.Manager
}

// New assembles a service from configuration. A nil cfg runs with defaults:
// SQLite and embedded vectors under .quarry, ollama for embedding and
// generation. The configuration is defaulted and validated in place.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	} else {
		cfg.SetDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, Ef(KindInvalidInput, "quarry.New", "invalid configuration: %v", err)
	}

	s := &Service{cfg: cfg, pool: config.NewDBPool()}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	if _, err := utils.EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}

	if cfg.Observability != nil {
		s.obs = observability.NewManager(*cfg.Observability)
		if err := s.obs.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("start observability: %w", err)
		}
	}

	db, err := s.pool.Get(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	vectors, err := vector.New(cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	lexical, err := index.NewManager(cfg.Index.PersistPath, index.Params{K1: cfg.Index.K1, B: cfg.Index.B})
	if err != nil {
		_ = vectors.Close()
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	s.embedder, err = embedder.New(cfg.Embedder)
	if err != nil {
		_ = vectors.Close()
		return nil, fmt.Errorf("build embedder: %w", err)
	}

	s.store, err = store.New(db, cfg.Database.Dialect(), vectors, lexical, s.embedder.Dimension())
	if err != nil {
		_ = vectors.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	s.provider, err = llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm provider: %w", err)
	}

	if cfg.Reranker.Enabled {
		s.reranker = rerank.New(cfg.Reranker)
	}

	s.retriever = retrieval.NewRetriever(s.store, s.embedder, cfg.Retrieval)
	if cfg.Expansion.Enabled {
		s.expander = retrieval.NewExpander(s.provider, cfg.Expansion)
	}
	if cfg.Corrective.Enabled {
		s.gate = retrieval.NewGate(s.provider, cfg.Corrective, nil)
	}

	s.bus, err = bus.New(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("start session bus: %w", err)
	}

	ch, err := chunker.New(chunker.PolicyFromConfig(cfg.Chunking))
	if err != nil {
		return nil, fmt.Errorf("build chunker: %w", err)
	}
	s.coordinator = ingest.New(s.store, s.embedder, extract.NewRegistry(), ch, s.bus, cfg.Ingest)
	s.watcher = ingest.NewWatcher(s.coordinator, cfg.Ingest)

	s.orchestrator = chat.New(chat.Deps{
		Store:     s.store,
		Provider:  s.provider,
		Retriever: s.retriever,
		Expander:  s.expander,
		Gate:      s.gate,
		Reranker:  s.reranker,
		Bus:       s.bus,
	}, cfg.Chat, cfg.Retrieval)

	ok = true
	return s, nil
}

// Config is the effective (defaulted) configuration the service runs with.
func (s *Service) Config() *config.Config { return s.cfg }

// Store exposes the durable state layer for direct document, conversation,
// and message access.
func (s *Service) Store() *store.Store { return s.store }

// Bus exposes session state and the event topics (document progress, chat
// streams).
func (s *Service) Bus() bus.Bus { return s.bus }

// Provider exposes the generation backend, for model listing and health.
func (s *Service) Provider() llm.Provider { return s.provider }

// Ingest registers a document and processes it in the background. Progress
// events publish on bus.ProgressTopic(documentID).
func (s *Service) Ingest(ctx context.Context, req ingest.Request) (documentID string, alreadyPresent bool, err error) {
	return s.coordinator.Ingest(ctx, req)
}

// CancelIngest aborts an in-flight ingestion. Reports whether a pipeline was
// running for the document.
func (s *Service) CancelIngest(documentID string) bool {
	return s.coordinator.Cancel(documentID)
}

// WaitIngest blocks until all in-flight ingestions settle.
func (s *Service) WaitIngest() { s.coordinator.Wait() }

// Retrieve runs hybrid search over the owner's completed documents.
func (s *Service) Retrieve(ctx context.Context, query retrieval.Query) ([]retrieval.Result, error) {
	return s.retriever.Retrieve(ctx, query)
}

// Answer starts a streaming answer turn. The stream is live on return;
// generation runs detached, bounded by the chat timeout and Stream.Stop.
func (s *Service) Answer(ctx context.Context, req chat.Request) (*chat.Stream, error) {
	return s.orchestrator.GenerateAnswer(ctx, req)
}

// Regenerate deletes an assistant message and re-answers the user message
// preceding it.
func (s *Service) Regenerate(ctx context.Context, req chat.Request, assistantMessageID string) (*chat.Stream, error) {
	return s.orchestrator.RegenerateAnswer(ctx, req, assistantMessageID)
}

// CreateSession opens a session for stop routing and bus streaming.
func (s *Service) CreateSession(ctx context.Context, ownerID string) (string, error) {
	return s.bus.CreateSession(ctx, ownerID)
}

// RunWatcher watches the configured ingest directories until ctx is
// cancelled. Returns immediately when none are configured.
func (s *Service) RunWatcher(ctx context.Context) error {
	return s.watcher.Run(ctx)
}

// RunBusJanitor reaps expired sessions on the configured interval until ctx
// is cancelled. The memory backend also sweeps internally; this drives
// backends that need an external loop and surfaces sweep logging.
func (s *Service) RunBusJanitor(ctx context.Context) {
	bus.RunJanitor(ctx, s.bus, s.cfg.Bus.CleanupInterval.Duration())
}

// Health reports per-component availability.
type HealthReport struct {
	Store bool `json:"store"`
	Bus   bool `json:"bus"`
	LLM   bool `json:"llm"`
}

// Health probes the store, the bus, and the LLM provider.
func (s *Service) Health(ctx context.Context) HealthReport {
	return HealthReport{
		Store: s.store.Ping(ctx) == nil,
		Bus:   s.bus.Healthy(ctx),
		LLM:   s.provider.HealthCheck(ctx) != llm.Down,
	}
}

// Close shuts the service down: drains in-flight ingestions, then releases
// the model backends, the bus, and storage. Safe to call on a partially
// constructed service.
func (s *Service) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.coordinator != nil {
		keep(s.coordinator.Close())
	}
	if s.reranker != nil {
		keep(s.reranker.Close())
	}
	if s.provider != nil {
		keep(s.provider.Close())
	}
	if s.embedder != nil {
		keep(s.embedder.Close())
	}
	if s.bus != nil {
		keep(s.bus.Close())
	}
	if s.store != nil {
		keep(s.store.Close())
	}
	if s.pool != nil {
		keep(s.pool.Close())
	}
	if s.obs != nil {
		keep(s.obs.Shutdown(context.Background()))
	}
	return firstErr
}
