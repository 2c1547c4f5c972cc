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

// Package config defines the service configuration tree.
//
// Every section follows the same shape: yaml-tagged struct, SetDefaults to
// fill gaps, Validate to reject bad values. Load order is file -> env
// expansion -> decode -> defaults -> validation, handled by Loader.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/quarryhq/quarry/pkg/observability"
)

// Config is the root configuration for the service.
//
// Example YAML:
//
//	data_dir: .quarry
//	database:
//	  driver: sqlite
//	embedder:
//	  model: mxbai-embed-large
//	llm:
//	  provider: ollama
//	  model: llama3.1
type Config struct {
	// Version of the config format.
	Version string `yaml:"version,omitempty"`

	// Name labels this deployment in logs and traces.
	Name string `yaml:"name,omitempty"`

	// DataDir is the base directory for local state: the SQLite database,
	// vector persistence, and the keyword index all default to paths under it.
	// Default: ".quarry"
	DataDir string `yaml:"data_dir,omitempty"`

	// Database configures the relational store for documents, chunks,
	// conversations, and messages.
	Database DatabaseConfig `yaml:"database,omitempty"`

	// Vector configures the vector store for chunk embeddings.
	Vector VectorStoreConfig `yaml:"vector,omitempty"`

	// Index configures the keyword (BM25) index.
	Index IndexConfig `yaml:"index,omitempty"`

	// Chunking configures how extracted documents are split.
	Chunking ChunkingConfig `yaml:"chunking,omitempty"`

	// Embedder configures the embedding backend.
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`

	// Ingest configures the ingestion coordinator.
	Ingest IngestConfig `yaml:"ingest,omitempty"`

	// Retrieval configures hybrid search and fusion.
	Retrieval RetrievalConfig `yaml:"retrieval,omitempty"`

	// Reranker configures the optional cross-encoder reranking stage.
	Reranker RerankerConfig `yaml:"reranker,omitempty"`

	// Expansion configures LLM query expansion.
	Expansion ExpansionConfig `yaml:"expansion,omitempty"`

	// Corrective configures the relevance gate and retrieval re-trial.
	Corrective CorrectiveConfig `yaml:"corrective,omitempty"`

	// Chat configures answer orchestration.
	Chat ChatConfig `yaml:"chat,omitempty"`

	// LLM configures the generation backend.
	LLM LLMConfig `yaml:"llm,omitempty"`

	// Bus configures session state and event delivery.
	Bus BusConfig `yaml:"bus,omitempty"`

	// Logger configures logging.
	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies default values to the whole tree. Paths that are not
// set explicitly land under DataDir.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = ".quarry"
	}

	c.Database.SetDefaults()
	if c.Database.IsSQLite() && c.Database.Database == "" {
		c.Database.Database = filepath.Join(c.DataDir, "quarry.db")
	}

	c.Vector.SetDefaults()
	if c.Vector.IsEmbedded() && c.Vector.PersistPath == "" {
		c.Vector.PersistPath = filepath.Join(c.DataDir, "vectors")
	}

	c.Index.SetDefaults()
	if c.Index.PersistPath == "" {
		c.Index.PersistPath = filepath.Join(c.DataDir, "index")
	}

	c.Chunking.SetDefaults()
	c.Embedder.SetDefaults()
	c.Ingest.SetDefaults()
	c.Retrieval.SetDefaults()
	c.Reranker.SetDefaults()
	c.Expansion.SetDefaults()
	c.Corrective.SetDefaults()
	c.Chat.SetDefaults()
	c.LLM.SetDefaults()
	c.Bus.SetDefaults()
	c.Logger.SetDefaults()

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the whole tree for errors.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	if err := c.Chunking.Validate(); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.Reranker.Validate(); err != nil {
		return fmt.Errorf("reranker: %w", err)
	}
	if err := c.Expansion.Validate(); err != nil {
		return fmt.Errorf("expansion: %w", err)
	}
	if err := c.Corrective.Validate(); err != nil {
		return fmt.Errorf("corrective: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// DefaultConfig returns a fully defaulted configuration suitable for local
// use: SQLite under .quarry, embedded vectors, ollama for embedding and
// generation. The result passes Validate.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
