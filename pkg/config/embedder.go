package config

import "fmt"

// EmbedderConfig configures the embedding backend.
//
// Example YAML:
//
//	embedder:
//	  backend: ollama
//	  model: mxbai-embed-large
//	  dimension: 1024
type EmbedderConfig struct {
	// Backend is the embedding backend: "ollama" or "openai" (any
	// OpenAI-compatible /v1/embeddings server, e.g. vLLM or TEI).
	Backend string `yaml:"backend,omitempty"`

	// Model is the embedding model name.
	// Default: mxbai-embed-large
	Model string `yaml:"model,omitempty"`

	// Host is the backend base URL.
	// Default: http://localhost:11434 for ollama
	Host string `yaml:"host,omitempty"`

	// APIKey for OpenAI-compatible backends that require one.
	APIKey string `yaml:"api_key,omitempty"`

	// Dimension is the embedding vector size. Vectors of any other size are
	// rejected at the store boundary.
	// Default: 1024
	Dimension int `yaml:"dimension,omitempty"`

	// MaxBatch caps how many texts go into one embedding request. The
	// effective batch size adapts downward under memory pressure.
	// Default: 16
	MaxBatch int `yaml:"max_batch,omitempty"`

	// BatchPolicy is "adaptive" (default) or a fixed integer batch size.
	// A fixed size disables the memory-pressure feedback loop.
	BatchPolicy string `yaml:"batch_policy,omitempty"`

	// Timeout bounds a single embedding batch request.
	// Default: 60s
	Timeout Duration `yaml:"timeout,omitempty"`

	// IdleTimeout unloads the model after this much inactivity.
	// Default: 5m
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`

	// MaxRetries is how many times a failed batch is retried before the
	// request fails with a resource exhaustion error.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// QueryPrefix overrides the instruction prepended to query (not
	// document) texts. Empty means auto-detect from the model family.
	QueryPrefix string `yaml:"query_prefix,omitempty"`
}

// SetDefaults applies default values.
func (c *EmbedderConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "ollama"
	}
	if c.Model == "" {
		c.Model = "mxbai-embed-large"
	}
	if c.Host == "" {
		switch c.Backend {
		case "ollama":
			c.Host = "http://localhost:11434"
		case "openai":
			c.Host = "http://localhost:8000"
		}
	}
	if c.Dimension <= 0 {
		c.Dimension = 1024
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 16
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(60e9) // 60s
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(300e9) // 5m
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the configuration for errors.
func (c *EmbedderConfig) Validate() error {
	validBackends := map[string]bool{
		"ollama": true,
		"openai": true,
	}
	if !validBackends[c.Backend] {
		return fmt.Errorf("invalid backend %q (valid: ollama, openai)", c.Backend)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("max_batch must be positive")
	}
	if c.BatchPolicy != "" && c.BatchPolicy != "adaptive" {
		n := 0
		if _, err := fmt.Sscanf(c.BatchPolicy, "%d", &n); err != nil || n <= 0 {
			return fmt.Errorf("batch_policy must be \"adaptive\" or a positive integer")
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	return nil
}
