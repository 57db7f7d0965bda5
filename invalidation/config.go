package invalidation

import (
	"fmt"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Config configures the invalidation engine.
type Config struct {
	// HistorySize caps the event history; the oldest events are dropped.
	HistorySize int `json:"history_size" yaml:"history_size"`

	// DebounceWindow is how long a debounced target collects triggers before it is applied.
	DebounceWindow time.Duration `json:"debounce_window" yaml:"debounce_window"`

	// RegexCacheSize bounds the compiled patterns kept for "matches" conditions.
	RegexCacheSize int `json:"regex_cache_size" yaml:"regex_cache_size"`

	// DefaultRules installs the built-in manufacturing rules at construction.
	DefaultRules bool `json:"default_rules" yaml:"default_rules"`

	// RulesFiles are JSON or YAML rule files loaded after the default rules.
	RulesFiles []string `json:"rules_files,omitempty" yaml:"rules_files,omitempty"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		HistorySize:    1000,
		DebounceWindow: 500 * time.Millisecond,
		RegexCacheSize: 128,
		DefaultRules:   true,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.HistorySize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("history_size must be positive, got %d", c.HistorySize))
	}
	if c.DebounceWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("debounce_window must be positive, got %v", c.DebounceWindow))
	}
	if c.RegexCacheSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "Validate",
			fmt.Sprintf("regex_cache_size cannot be negative, got %d", c.RegexCacheSize))
	}
	return nil
}
