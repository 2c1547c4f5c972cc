package config

import "fmt"

// IngestConfig configures the ingestion coordinator.
//
// Example YAML:
//
//	ingest:
//	  concurrency: 2
//	  watch_paths:
//	    - ./docs
type IngestConfig struct {
	// Concurrency is how many documents may process in parallel. Admission
	// beyond the limit queues in arrival order.
	// Default: 2
	Concurrency int `yaml:"concurrency,omitempty"`

	// ProgressInterval is the minimum spacing between progress events for
	// one document; state transitions always emit regardless.
	// Default: 250ms
	ProgressInterval Duration `yaml:"progress_interval,omitempty"`

	// WatchPaths are directories watched for new or modified files to
	// ingest automatically. Empty disables the watcher.
	WatchPaths []string `yaml:"watch_paths,omitempty"`

	// WatchDebounce is how long a watched file must stay quiet before it
	// is ingested, so half-written files are not picked up.
	// Default: 2s
	WatchDebounce Duration `yaml:"watch_debounce,omitempty"`

	// WatchOwner is the owner id watched files are ingested under.
	// Default: "local"
	WatchOwner string `yaml:"watch_owner,omitempty"`
}

// SetDefaults applies default values.
func (c *IngestConfig) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = Duration(250e6) // 250ms
	}
	if c.WatchDebounce == 0 {
		c.WatchDebounce = Duration(2e9) // 2s
	}
	if c.WatchOwner == "" {
		c.WatchOwner = "local"
	}
}

// Validate checks the configuration for errors.
func (c *IngestConfig) Validate() error {
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress_interval must be non-negative")
	}
	return nil
}
