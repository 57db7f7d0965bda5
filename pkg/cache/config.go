package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Config contains configuration for the TTL store.
type Config struct {
	// DefaultTTL applies to entities without an EntityTTL override.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`

	// CleanupInterval is how often the background sweep runs.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// StaleRetention keeps expired entries available to GetStale for fallback.
	StaleRetention time.Duration `json:"stale_retention" yaml:"stale_retention"`

	// EntityTTL overrides DefaultTTL per entity type ("projects": 2m).
	EntityTTL map[string]time.Duration `json:"entity_ttl,omitempty" yaml:"entity_ttl,omitempty"`
}

// DefaultConfig returns a default cache configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
		StaleRetention:  30 * time.Minute,
		EntityTTL: map[string]time.Duration{
			"activity_log":    30 * time.Second,
			"workflow_stages": 30 * time.Minute,
		},
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("default_ttl must be positive, got %v", c.DefaultTTL))
	}
	if c.CleanupInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("cleanup_interval must be positive, got %v", c.CleanupInterval))
	}
	if c.StaleRetention < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
			fmt.Sprintf("stale_retention cannot be negative, got %v", c.StaleRetention))
	}
	for entity, ttl := range c.EntityTTL {
		if ttl <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "Validate",
				fmt.Sprintf("entity_ttl[%s] must be positive, got %v", entity, ttl))
		}
	}
	return nil
}

// TTLFor returns the TTL configured for an entity type.
func (c Config) TTLFor(entity string) time.Duration {
	if ttl, ok := c.EntityTTL[entity]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}

// NewFromConfig creates a TTL store from configuration.
func NewFromConfig[V any](ctx context.Context, config Config, options ...Option[V]) (Cache[V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewFromConfig", "config validation")
	}

	options = append([]Option[V]{WithStaleRetention[V](config.StaleRetention)}, options...)
	return NewTTL[V](ctx, config.DefaultTTL, config.CleanupInterval, options...)
}
