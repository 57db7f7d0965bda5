package cache

import (
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option[V any] func(*cacheOptions[V])

// Clock returns the current time. Tests substitute a controllable clock.
type Clock func() time.Time

// cacheOptions holds internal configuration for cache instances.
// Stats are always collected; metrics are optional.
type cacheOptions[V any] struct {
	metricsReg     *metric.MetricsRegistry
	metricsPrefix  string
	evictCallback  EvictCallback[V]
	clock          Clock
	staleRetention time.Duration
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// If registry is nil or prefix empty, this option is ignored.
func WithMetrics[V any](registry *metric.MetricsRegistry, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked when entries are removed.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithClock replaces time.Now for TTL checks.
func WithClock[V any](clock Clock) Option[V] {
	return func(opts *cacheOptions[V]) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

// WithStaleRetention keeps expired entries for d past their TTL so GetStale can return them.
// Zero disables retention and expired entries are evicted on read.
func WithStaleRetention[V any](d time.Duration) Option[V] {
	return func(opts *cacheOptions[V]) {
		if d >= 0 {
			opts.staleRetention = d
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		clock: time.Now,
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}
