// Package query implements the cache-first query service: deterministic cache keys,
// fallback to previously cached data when the data source fails, and per-query
// performance metrics.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
)

// FallbackMessage prefixes Result.Error when stale data was served after a failed fetch.
const FallbackMessage = "using cached data from previous successful query"

// Store is the cache the service reads and writes.
type Store = cache.Cache[[]datasource.Row]

// Options controls a single query.
type Options struct {
	UseCache        bool
	FallbackToCache bool
	Fields          Profile
	Pagination      *datasource.Pagination
	// TTL overrides the per-entity TTL for this result.
	TTL time.Duration
}

// DefaultOptions reads through the cache and falls back to it on failure.
func DefaultOptions() Options {
	return Options{UseCache: true, FallbackToCache: true}
}

// Result is the outcome of Query.
type Result struct {
	Data      []datasource.Row `json:"data"`
	FromCache bool             `json:"from_cache"`
	// Error is set when cached data was served in place of a failed fetch.
	Error string `json:"error,omitempty"`
	Key   string `json:"key"`
}

// SlowQuery records one query over the slow threshold.
type SlowQuery struct {
	Key       string        `json:"key"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// PerformanceStats summarizes the metrics since the last ClearCache.
type PerformanceStats struct {
	TotalQueries     int64         `json:"total_queries"`
	CacheHits        int64         `json:"cache_hits"`
	CacheHitRate     float64       `json:"cache_hit_rate"`
	AverageQueryTime time.Duration `json:"average_query_time"`
	SlowQueries      []SlowQuery   `json:"slow_queries"`
}

// TTLFunc returns the TTL for results of an entity.
type TTLFunc func(entity string) time.Duration

// Option configures a Service.
type Option func(*Service)

// WithMetrics exports query metrics. A registration failure is logged and metrics stay off.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Service) {
		if registry == nil {
			return
		}
		m, err := newQueryMetrics(registry)
		if err != nil {
			s.logger.Warn("Query metrics disabled", "error", err)
			return
		}
		s.prom = m
	}
}

// WithTTL sets the per-entity TTL lookup. Without it the store default applies.
func WithTTL(fn TTLFunc) Option {
	return func(s *Service) {
		s.ttlFor = fn
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service is the query result cache.
type Service struct {
	store  Store
	source datasource.DataSource
	cfg    Config
	ttlFor TTLFunc
	logger *slog.Logger
	prom   *queryMetrics

	mu           sync.Mutex
	totalQueries int64
	cacheHits    int64
	totalLatency time.Duration
	slowQueries  []SlowQuery
}

// NewService creates a query service over store and source.
func NewService(store Store, source datasource.DataSource, cfg Config, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "query", "NewService", "store is required")
	}
	if source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "query", "NewService", "data source is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		store:  store,
		source: source,
		cfg:    cfg,
		ttlFor: func(string) time.Duration { return 0 },
		logger: slog.Default().With("component", "query"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store returns the underlying TTL store.
func (s *Service) Store() Store {
	return s.store
}

// Key returns the cache key Query would use.
func (s *Service) Key(entity string, filters map[string]any, opts Options) (string, error) {
	profile, err := s.profile(opts)
	if err != nil {
		return "", err
	}
	return BuildKey(entity, filters, profile, opts.Pagination)
}

// profile resolves Options.Fields case-insensitively, so "MINIMAL" and "minimal" share
// a cache key. Unknown names are rejected.
func (s *Service) profile(opts Options) (Profile, error) {
	if opts.Fields == "" {
		return s.cfg.DefaultProfile, nil
	}
	p, err := ParseProfile(string(opts.Fields))
	if err != nil {
		return "", errors.WrapInvalid(err, "query", "Query", "resolve field profile")
	}
	return p, nil
}

// Query serves entity rows matching filters, from the cache when allowed and valid.
// A data source failure is returned as an error unless FallbackToCache finds a
// previously cached result, which is then served with Result.Error set.
func (s *Service) Query(ctx context.Context, entity string, filters map[string]any, opts Options) (Result, error) {
	start := time.Now()
	profile, err := s.profile(opts)
	if err != nil {
		return Result{}, err
	}

	key, err := BuildKey(entity, filters, profile, opts.Pagination)
	if err != nil {
		return Result{}, err
	}

	if opts.UseCache {
		if rows, ok := s.store.Get(key); ok {
			s.logger.Debug("Query served from cache", "key", key)
			s.record(entity, key, start, "cache")
			return Result{Data: rows, FromCache: true, Key: key}, nil
		}
	}

	// The reservation makes an invalidation that lands during the fetch discard its rows.
	token, err := s.store.Reserve(key)
	if err != nil {
		return Result{}, err
	}

	rows, fetchErr := s.fetch(ctx, datasource.Request{
		Entity:  entity,
		Filters: filters,
		Profile: string(profile),
		Columns: s.cfg.columns(entity, profile),
		Page:    opts.Pagination,
	})

	if fetchErr == nil {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = s.ttlFor(entity)
		}
		stored, err := s.store.Fill(key, token, rows, ttl)
		switch {
		case err != nil:
			s.logger.Warn("Failed to cache query result", "key", key, "error", err)
		case !stored:
			s.logger.Debug("Query result not cached, invalidated during fetch", "key", key)
		}
		s.record(entity, key, start, "source")
		return Result{Data: rows, FromCache: false, Key: key}, nil
	}

	s.store.Release(key)

	if opts.FallbackToCache {
		if stale, storedAt, ok := s.store.GetStale(key); ok {
			s.logger.Warn("Serving cached data after fetch failure",
				"key", key, "stored_at", storedAt, "error", fetchErr)
			if s.prom != nil {
				s.prom.failures.WithLabelValues(entity, "true").Inc()
			}
			s.record(entity, key, start, "fallback")
			return Result{
				Data:      stale,
				FromCache: true,
				Error:     fmt.Sprintf("%s: %v", FallbackMessage, fetchErr),
				Key:       key,
			}, nil
		}
	}

	if s.prom != nil {
		s.prom.failures.WithLabelValues(entity, "false").Inc()
	}
	s.record(entity, key, start, "error")
	return Result{Key: key}, fetchErr
}

func (s *Service) fetch(ctx context.Context, req datasource.Request) ([]datasource.Row, error) {
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	rows, err := s.source.Fetch(ctx, req)
	if err != nil {
		if errors.IsInvalid(err) {
			return nil, err
		}
		return nil, errors.WrapTransient(err, "query", "Query", fmt.Sprintf("fetch %s", req.Entity))
	}
	if rows == nil {
		rows = []datasource.Row{}
	}
	return rows, nil
}

// record adds one sample to the metrics in a single critical section.
func (s *Service) record(entity, key string, start time.Time, source string) {
	now := time.Now()
	latency := now.Sub(start)
	slow := latency > s.cfg.SlowQueryThreshold

	s.mu.Lock()
	s.totalQueries++
	if source == "cache" || source == "fallback" {
		s.cacheHits++
	}
	s.totalLatency += latency
	if slow {
		s.slowQueries = append(s.slowQueries, SlowQuery{Key: key, Latency: latency, Timestamp: now})
		if over := len(s.slowQueries) - s.cfg.MaxSlowQueries; over > 0 {
			s.slowQueries = append([]SlowQuery(nil), s.slowQueries[over:]...)
		}
	}
	s.mu.Unlock()

	if slow {
		s.logger.Warn("Slow query", "key", key, "latency", latency)
	}
	if s.prom != nil {
		s.prom.queries.WithLabelValues(entity, source).Inc()
		s.prom.latency.WithLabelValues(entity).Observe(latency.Seconds())
		if slow {
			s.prom.slow.WithLabelValues(entity).Inc()
		}
	}
}

// PerformanceStats returns hit rate, average latency and the slow query list.
func (s *Service) PerformanceStats() PerformanceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := PerformanceStats{
		TotalQueries: s.totalQueries,
		CacheHits:    s.cacheHits,
		SlowQueries:  append([]SlowQuery(nil), s.slowQueries...),
	}
	if s.totalQueries > 0 {
		stats.CacheHitRate = float64(s.cacheHits) / float64(s.totalQueries)
		stats.AverageQueryTime = s.totalLatency / time.Duration(s.totalQueries)
	}
	return stats
}

// ClearCache empties the store and resets metrics.
func (s *Service) ClearCache() error {
	if err := s.store.Clear(); err != nil {
		return errors.Wrap(err, "query", "ClearCache", "clear store")
	}

	s.mu.Lock()
	s.totalQueries = 0
	s.cacheHits = 0
	s.totalLatency = 0
	s.slowQueries = nil
	s.mu.Unlock()

	s.logger.Info("Query cache cleared")
	return nil
}

// InvalidateEntity removes every cached query of entity and returns the removed keys.
func (s *Service) InvalidateEntity(entity string) []string {
	return s.store.DeleteMatching(EntityMatcher(entity))
}
