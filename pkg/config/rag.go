package config

import "fmt"

// ChunkingConfig configures document chunking.
//
// Sizes are expressed in words because embedding quality degrades with
// token-count mismatch far more gracefully than with mid-sentence cuts;
// the chunker picks boundaries, these values pick the scale.
//
// Example YAML:
//
//	chunking:
//	  target_words: 1000
//	  overlap_words: 200
//	  preserve_tables: true
type ChunkingConfig struct {
	// TargetWords is the target chunk size in words.
	// Default: 1000
	TargetWords int `yaml:"target_words,omitempty"`

	// OverlapWords is how many trailing words of a chunk are repeated at the
	// start of the next one.
	// Default: 200
	OverlapWords int `yaml:"overlap_words,omitempty"`

	// MinWords is the minimum chunk size; shorter tails are merged into the
	// previous chunk.
	// Default: 50
	MinWords int `yaml:"min_words,omitempty"`

	// MaxChars is a hard cap on chunk size in characters, applied after word
	// targeting. Protects the embedder from pathological inputs.
	// Default: 8000
	MaxChars int `yaml:"max_chars,omitempty"`

	// PreserveTables keeps table blocks intact instead of splitting them.
	// Default: true
	PreserveTables *bool `yaml:"preserve_tables,omitempty"`
}

// SetDefaults applies default values.
func (c *ChunkingConfig) SetDefaults() {
	if c.TargetWords <= 0 {
		c.TargetWords = 1000
	}
	if c.OverlapWords < 0 {
		c.OverlapWords = 0
	} else if c.OverlapWords == 0 {
		c.OverlapWords = 200
	}
	if c.MinWords <= 0 {
		c.MinWords = 50
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
	if c.PreserveTables == nil {
		c.PreserveTables = BoolPtr(true)
	}
}

// Validate checks the configuration for errors.
func (c *ChunkingConfig) Validate() error {
	if c.TargetWords <= 0 {
		return fmt.Errorf("target_words must be positive")
	}
	if c.OverlapWords < 0 {
		return fmt.Errorf("overlap_words must be non-negative")
	}
	if c.OverlapWords >= c.TargetWords {
		return fmt.Errorf("overlap_words must be less than target_words")
	}
	if c.MinWords <= 0 {
		return fmt.Errorf("min_words must be positive")
	}
	if c.MinWords > c.TargetWords {
		return fmt.Errorf("min_words must not exceed target_words")
	}
	if c.MaxChars <= 0 {
		return fmt.Errorf("max_chars must be positive")
	}
	return nil
}

// IndexConfig configures the keyword (BM25) index.
type IndexConfig struct {
	// PersistPath is the directory the index snapshots live in.
	// Defaults under data_dir.
	PersistPath string `yaml:"persist_path,omitempty"`

	// K1 is the BM25 term-frequency saturation parameter.
	// Default: 1.5
	K1 float64 `yaml:"k1,omitempty"`

	// B is the BM25 length-normalization parameter.
	// Default: 0.75
	B float64 `yaml:"b,omitempty"`
}

// SetDefaults applies default values.
func (c *IndexConfig) SetDefaults() {
	if c.K1 == 0 {
		c.K1 = 1.5
	}
	if c.B == 0 {
		c.B = 0.75
	}
}

// Validate checks the configuration for errors.
func (c *IndexConfig) Validate() error {
	if c.K1 < 0 {
		return fmt.Errorf("k1 must be non-negative")
	}
	if c.B < 0 || c.B > 1 {
		return fmt.Errorf("b must be between 0 and 1")
	}
	return nil
}

// RetrievalConfig configures hybrid search.
//
// Example YAML:
//
//	retrieval:
//	  k_vector: 100
//	  k_lexical: 100
//	  k_out: 20
//	  hybrid_weight: 0.7
type RetrievalConfig struct {
	// KVector is how many candidates the vector search returns per query.
	// Default: 100
	KVector int `yaml:"k_vector,omitempty"`

	// KLexical is how many candidates the keyword search returns per query.
	// Default: 100
	KLexical int `yaml:"k_lexical,omitempty"`

	// KOut is how many fused results the retriever returns.
	// Default: 20
	KOut int `yaml:"k_out,omitempty"`

	// RRFK is the rank offset in reciprocal rank fusion.
	// Default: 60
	RRFK int `yaml:"rrf_k,omitempty"`

	// HybridWeight weights vector-derived RRF contributions; keyword
	// contributions get (1 - hybrid_weight).
	// Default: 0.7
	HybridWeight float64 `yaml:"hybrid_weight,omitempty"`

	// VectorTimeout bounds a single vector search.
	// Default: 5s
	VectorTimeout Duration `yaml:"vector_timeout,omitempty"`

	// LexicalTimeout bounds a single keyword search.
	// Default: 2s
	LexicalTimeout Duration `yaml:"lexical_timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *RetrievalConfig) SetDefaults() {
	if c.KVector <= 0 {
		c.KVector = 100
	}
	if c.KLexical <= 0 {
		c.KLexical = 100
	}
	if c.KOut <= 0 {
		c.KOut = 20
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.HybridWeight == 0 {
		c.HybridWeight = 0.7
	}
	if c.VectorTimeout == 0 {
		c.VectorTimeout = Duration(5e9) // 5s
	}
	if c.LexicalTimeout == 0 {
		c.LexicalTimeout = Duration(2e9) // 2s
	}
}

// Validate checks the configuration for errors.
func (c *RetrievalConfig) Validate() error {
	if c.KVector <= 0 || c.KLexical <= 0 || c.KOut <= 0 {
		return fmt.Errorf("k_vector, k_lexical, and k_out must be positive")
	}
	if c.RRFK <= 0 {
		return fmt.Errorf("rrf_k must be positive")
	}
	if c.HybridWeight < 0 || c.HybridWeight > 1 {
		return fmt.Errorf("hybrid_weight must be between 0 and 1")
	}
	return nil
}

// RerankerConfig configures cross-encoder reranking.
//
// Reranking is best effort: when the service is down or slow, retrieval
// results pass through in fused order.
type RerankerConfig struct {
	// Enabled turns reranking on.
	// Default: false (requires a running reranker service)
	Enabled bool `yaml:"enabled,omitempty"`

	// Host is the reranker service base URL (text-embeddings-inference
	// compatible /rerank endpoint).
	Host string `yaml:"host,omitempty"`

	// Model is the cross-encoder model name.
	Model string `yaml:"model,omitempty"`

	// BatchSize caps query-candidate pairs per request.
	// Default: 32
	BatchSize int `yaml:"batch_size,omitempty"`

	// Timeout bounds a full rerank pass.
	// Default: 30s
	Timeout Duration `yaml:"timeout,omitempty"`

	// IdleTimeout unloads the model after inactivity, for backends that
	// support it.
	// Default: 5m
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *RerankerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "http://localhost:8787"
	}
	if c.Model == "" {
		c.Model = "BAAI/bge-reranker-base"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30e9) // 30s
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(300e9) // 5m
	}
}

// Validate checks the configuration for errors.
func (c *RerankerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("host is required when reranker is enabled")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	return nil
}

// ExpansionConfig configures LLM query expansion.
type ExpansionConfig struct {
	// Enabled turns query expansion on.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Count is how many reformulations to request.
	// Default: 3
	Count int `yaml:"count,omitempty"`

	// Temperature for the expansion prompt.
	// Default: 0.3
	Temperature float64 `yaml:"temperature,omitempty"`

	// Timeout is a soft deadline; on expiry retrieval proceeds with the
	// original query alone.
	// Default: 5s
	Timeout Duration `yaml:"timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *ExpansionConfig) SetDefaults() {
	if c.Count <= 0 {
		c.Count = 3
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(5e9) // 5s
	}
}

// Validate checks the configuration for errors.
func (c *ExpansionConfig) Validate() error {
	if c.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// CorrectiveConfig configures the retrieval relevance gate.
//
// After reranking, an LLM scores each candidate's relevance to the query.
// If too few candidates clear the threshold, retrieval runs once more with
// doubled candidate caps before giving up.
type CorrectiveConfig struct {
	// Enabled turns the gate on.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Threshold is the minimum 0-10 relevance score for a chunk to count.
	// Default: 7
	Threshold int `yaml:"threshold,omitempty"`

	// MinRelevant is how many chunks must clear the threshold before the
	// result set is accepted without a re-trial.
	// Default: 3
	MinRelevant int `yaml:"min_relevant,omitempty"`

	// Timeout bounds one grading pass.
	// Default: 15s
	Timeout Duration `yaml:"timeout,omitempty"`

	// ExternalSearch permits falling back to an external search provider
	// when the re-trial still comes up short.
	// Default: false
	ExternalSearch bool `yaml:"external_search,omitempty"`
}

// SetDefaults applies default values.
func (c *CorrectiveConfig) SetDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 7
	}
	if c.MinRelevant <= 0 {
		c.MinRelevant = 3
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(15e9) // 15s
	}
}

// Validate checks the configuration for errors.
func (c *CorrectiveConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 10 {
		return fmt.Errorf("threshold must be between 0 and 10")
	}
	if c.MinRelevant < 0 {
		return fmt.Errorf("min_relevant must be non-negative")
	}
	return nil
}
