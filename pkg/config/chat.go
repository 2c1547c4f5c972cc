package config

import "fmt"

// ChatConfig configures answer orchestration.
//
// Example YAML:
//
//	chat:
//	  history_turns: 10
//	  prompt_style: expert
type ChatConfig struct {
	// HistoryTurns is how many recent exchanges are loaded as conversation
	// memory before token fitting.
	// Default: 10
	HistoryTurns int `yaml:"history_turns,omitempty"`

	// HistoryTokenLimit caps the token budget for conversation memory.
	// Oldest messages are dropped first.
	// Default: 4096
	HistoryTokenLimit int `yaml:"history_token_limit,omitempty"`

	// PromptStyle selects the answer prompt template: "expert", "citation",
	// "reasoning", "extractive", or "custom".
	// Default: expert
	PromptStyle string `yaml:"prompt_style,omitempty"`

	// CustomTemplate is the template body when prompt_style is "custom".
	// Supports {context}, {question}, and {history} placeholders.
	CustomTemplate string `yaml:"custom_template,omitempty"`

	// FlushTimeout bounds the flush of already-generated tokens after a
	// cancellation before the turn is finalized as partial.
	// Default: 2s
	FlushTimeout Duration `yaml:"flush_timeout,omitempty"`

	// FinalizeRetries is how many attempts are made to persist the final
	// assistant message.
	// Default: 3
	FinalizeRetries int `yaml:"finalize_retries,omitempty"`

	// Timeout is the soft cap on one full answer turn.
	// Default: 120s
	Timeout Duration `yaml:"timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *ChatConfig) SetDefaults() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.HistoryTokenLimit <= 0 {
		c.HistoryTokenLimit = 4096
	}
	if c.PromptStyle == "" {
		c.PromptStyle = "expert"
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = Duration(2e9) // 2s
	}
	if c.FinalizeRetries <= 0 {
		c.FinalizeRetries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(120e9) // 120s
	}
}

// Validate checks the configuration for errors.
func (c *ChatConfig) Validate() error {
	validStyles := map[string]bool{
		"expert":     true,
		"citation":   true,
		"reasoning":  true,
		"extractive": true,
		"custom":     true,
	}
	if !validStyles[c.PromptStyle] {
		return fmt.Errorf("invalid prompt_style %q (valid: expert, citation, reasoning, extractive, custom)", c.PromptStyle)
	}
	if c.PromptStyle == "custom" && c.CustomTemplate == "" {
		return fmt.Errorf("custom_template is required when prompt_style is custom")
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("history_turns must be non-negative")
	}
	return nil
}

// BusConfig configures session state and event delivery.
//
// Example YAML:
//
//	bus:
//	  backend: memory
//	  ttl: 1h
//
//	bus:
//	  backend: redis
//	  redis:
//	    addr: localhost:6379
type BusConfig struct {
	// Backend is "memory" (in-process) or "redis".
	// Default: memory
	Backend string `yaml:"backend,omitempty"`

	// TTL is how long idle session state lives before cleanup.
	// Default: 1h
	TTL Duration `yaml:"ttl,omitempty"`

	// CleanupInterval is how often expired sessions are reaped (memory
	// backend; redis expires keys natively).
	// Default: 5m
	CleanupInterval Duration `yaml:"cleanup_interval,omitempty"`

	// Redis connection settings, used when backend is "redis".
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	// Addr is the host:port of the redis server.
	// Default: localhost:6379
	Addr string `yaml:"addr,omitempty"`

	// Password for AUTH, if required.
	Password string `yaml:"password,omitempty"`

	// DB selects the redis logical database.
	DB int `yaml:"db,omitempty"`
}

// SetDefaults applies default values.
func (c *BusConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.TTL == 0 {
		c.TTL = Duration(3600e9) // 1h
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = Duration(300e9) // 5m
	}
	if c.Backend == "redis" {
		if c.Redis == nil {
			c.Redis = &RedisConfig{}
		}
		if c.Redis.Addr == "" {
			c.Redis.Addr = "localhost:6379"
		}
	}
}

// Validate checks the configuration for errors.
func (c *BusConfig) Validate() error {
	validBackends := map[string]bool{
		"memory": true,
		"redis":  true,
	}
	if !validBackends[c.Backend] {
		return fmt.Errorf("invalid backend %q (valid: memory, redis)", c.Backend)
	}
	if c.Backend == "redis" && (c.Redis == nil || c.Redis.Addr == "") {
		return fmt.Errorf("redis.addr is required for redis backend")
	}
	if c.TTL < 0 {
		return fmt.Errorf("ttl must be non-negative")
	}
	return nil
}
