package config

import (
	"fmt"
	"time"
)

// BoolPtr returns a pointer to b, for optional bool fields whose zero value
// is a meaningful setting.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences an optional bool, falling back when unset.
func BoolValue(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// Duration is a time.Duration that decodes from yaml as either a duration
// string ("100ms", "5m", "1h30m") or an integer nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		var ns int64
		if err := unmarshal(&ns); err != nil {
			return fmt.Errorf("duration must be a string (e.g., '1s') or integer (nanoseconds)")
		}
		*d = Duration(ns)
		return nil
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}
