package config

import (
	"fmt"
	"os"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderOllama LLMProvider = "ollama"
	LLMProviderVLLM   LLMProvider = "vllm"
	LLMProviderGemini LLMProvider = "gemini"
)

// LLMConfig configures an LLM provider.
type LLMConfig struct {
	// Provider type (ollama, vllm, gemini).
	Provider LLMProvider `yaml:"provider,omitempty" json:"provider,omitempty" jsonschema:"title=Provider,description=LLM provider,enum=ollama,enum=vllm,enum=gemini,default=ollama"`

	// Model name (e.g., "llama3.1", "gemini-2.0-flash").
	Model string `yaml:"model,omitempty" json:"model,omitempty" jsonschema:"title=Model,description=Model identifier"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty" jsonschema:"title=API Key,description=API key for authentication (use ${ENV_VAR})"`

	// Host overrides the default API endpoint.
	Host string `yaml:"host,omitempty" json:"host,omitempty" jsonschema:"title=Host,description=Custom base URL for API endpoint"`

	// Temperature for generation (0.0 - 2.0).
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty" jsonschema:"title=Temperature,description=Sampling temperature,minimum=0,maximum=2,default=0.7"`

	// MaxTokens limits response length.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty" jsonschema:"title=Max Tokens,description=Maximum tokens to generate,minimum=1,default=4096"`

	// Timeout bounds a full generation, streaming included.
	// Default: 120s
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"title=Timeout,description=Generation timeout"`
}

// SetDefaults applies default values.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectProviderFromEnv()
	}

	if c.Model == "" {
		switch c.Provider {
		case LLMProviderOllama:
			c.Model = "llama3.1"
		case LLMProviderVLLM:
			c.Model = "meta-llama/Llama-3.1-8B-Instruct"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}

	if c.Host == "" {
		switch c.Provider {
		case LLMProviderOllama:
			c.Host = "http://localhost:11434"
		case LLMProviderVLLM:
			c.Host = "http://localhost:8000"
		}
	}

	if c.APIKey == "" {
		c.APIKey = getAPIKeyFromEnv(c.Provider)
	}

	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}

	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}

	if c.Timeout == 0 {
		c.Timeout = Duration(120e9) // 120s
	}
}

// Validate checks the LLM configuration.
func (c *LLMConfig) Validate() error {
	validProviders := map[LLMProvider]bool{
		LLMProviderOllama: true,
		LLMProviderVLLM:   true,
		LLMProviderGemini: true,
	}

	if c.Provider != "" && !validProviders[c.Provider] {
		return fmt.Errorf("invalid provider %q (valid: ollama, vllm, gemini)", c.Provider)
	}

	// Local backends don't require API keys
	if c.Provider == LLMProviderGemini && c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}

	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	return nil
}

// detectProviderFromEnv picks a provider based on available credentials.
// Defaults to ollama, which needs none.
func detectProviderFromEnv() LLMProvider {
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderOllama
}

// getAPIKeyFromEnv gets the API key for a provider from environment.
func getAPIKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	case LLMProviderVLLM:
		return os.Getenv("VLLM_API_KEY")
	default:
		return "" // Ollama doesn't need an API key
	}
}
