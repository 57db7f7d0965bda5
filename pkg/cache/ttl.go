package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// fill tracks the reservations of one key. gen moves on every invalidation of the key.
type fill struct {
	refs int
	gen  uint64
}

// ttlCache is the thread-safe TTL store.
type ttlCache[V any] struct {
	mu              sync.RWMutex
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	staleRetention  time.Duration
	items           map[string]*Entry[V]
	fills           map[string]*fill
	now             Clock
	stats           *Statistics
	metrics         *cacheMetrics // nil unless WithMetrics
	evictFn         EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL store. Entries stored with a non-positive ttl use defaultTTL.
// The background sweep runs every cleanupInterval until Close or ctx is done.
func NewTTL[V any](ctx context.Context, defaultTTL, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("default ttl must be positive, got %v", defaultTTL))
	}
	if cleanupInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("cleanup interval must be positive, got %v", cleanupInterval))
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		staleRetention:  opts.staleRetention,
		items:           make(map[string]*Entry[V]),
		fills:           make(map[string]*fill),
		now:             opts.clock,
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

// Get retrieves a value by key, treating expired entries as absent.
func (c *ttlCache[V]) Get(key string) (V, bool) {
	now := c.now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		c.recordMiss()
		var zero V
		return zero, false
	}

	if entry.ExpiredAt(now) {
		if c.staleRetention == 0 {
			c.evictIfExpired(key, now)
		}
		c.recordMiss()
		var zero V
		return zero, false
	}

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return entry.Value, true
}

// GetStale returns a retained value even if it is past its TTL.
func (c *ttlCache[V]) GetStale(key string) (V, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.items[key]
	if !exists {
		var zero V
		return zero, time.Time{}, false
	}
	return entry.Value, entry.StoredAt, true
}

// IsValid reports whether key holds an unexpired entry. It never mutates the store.
func (c *ttlCache[V]) IsValid(key string) bool {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.items[key]
	return exists && !entry.ExpiredAt(now)
}

// Set stores value with the current timestamp, overwriting any existing entry.
func (c *ttlCache[V]) Set(key string, value V, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	c.items[key] = &Entry[V]{
		Key:      key,
		Value:    value,
		StoredAt: c.now(),
		TTL:      ttl,
	}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return nil
}

// Delete removes an entry by key.
func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	if f, ok := c.fills[key]; ok {
		f.gen++
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.recordDelete()
			c.metrics.updateSize(size)
		}
		if c.evictFn != nil {
			c.evictFn(key, entry.Value)
		}
	}
	return exists, nil
}

// DeleteMatching removes every retained entry whose key satisfies match.
func (c *ttlCache[V]) DeleteMatching(match Matcher) []string {
	if match == nil {
		return nil
	}

	var removed []*Entry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if match(key) {
			removed = append(removed, entry)
			delete(c.items, key)
		}
	}
	for key, f := range c.fills {
		if match(key) {
			f.gen++
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	keys := make([]string, 0, len(removed))
	for _, entry := range removed {
		keys = append(keys, entry.Key)
		c.stats.Delete()
		if c.metrics != nil {
			c.metrics.recordDelete()
		}
		if c.evictFn != nil {
			c.evictFn(entry.Key, entry.Value)
		}
	}

	if len(removed) > 0 {
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.updateSize(size)
		}
	}
	return keys
}

// Reserve registers an in-flight fill of key. Invalidations of key that happen before
// Fill make Fill drop its value, so a read that started before a change cannot store
// pre-change data after the change was applied.
func (c *ttlCache[V]) Reserve(key string) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fills[key]
	if !ok {
		f = &fill{}
		c.fills[key] = f
	}
	f.refs++
	return f.gen, nil
}

// Fill stores value if key was not invalidated since Reserve returned token.
func (c *ttlCache[V]) Fill(key string, token uint64, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	f, ok := c.fills[key]
	current := ok && f.gen == token
	c.releaseLocked(key)
	if current {
		c.items[key] = &Entry[V]{
			Key:      key,
			Value:    value,
			StoredAt: c.now(),
			TTL:      ttl,
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if !current {
		return false, nil
	}
	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return true, nil
}

// Release ends a reservation without storing.
func (c *ttlCache[V]) Release(key string) {
	c.mu.Lock()
	c.releaseLocked(key)
	c.mu.Unlock()
}

func (c *ttlCache[V]) releaseLocked(key string) {
	f, ok := c.fills[key]
	if !ok {
		return
	}
	f.refs--
	if f.refs <= 0 {
		delete(c.fills, key)
	}
}

// Clear removes all entries from the cache.
func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*Entry[V])
	for _, f := range c.fills {
		f.gen++
	}
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range old {
			c.evictFn(entry.Key, entry.Value)
		}
	}

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	return nil
}

// Size returns the number of retained entries.
func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *ttlCache[V]) Keys() []string {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.ExpiredAt(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

// Close shuts down the cache and stops the background sweep.
func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() {
		close(c.shutdown)
	})

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) recordMiss() {
	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}
}

func (c *ttlCache[V]) evictIfExpired(key string, now time.Time) {
	c.mu.Lock()
	entry, exists := c.items[key]
	if !exists || !entry.ExpiredAt(now) {
		c.mu.Unlock()
		return
	}
	delete(c.items, key)
	size := len(c.items)
	c.mu.Unlock()

	c.recordEvictions(1, size)
	if c.evictFn != nil {
		c.evictFn(key, entry.Value)
	}
}

func (c *ttlCache[V]) recordEvictions(n, size int) {
	for i := 0; i < n; i++ {
		c.stats.Eviction()
		if c.metrics != nil {
			c.metrics.recordEviction()
		}
	}
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.updateSize(size)
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

// removeExpired drops entries past TTL plus the stale retention window.
func (c *ttlCache[V]) removeExpired() {
	now := c.now()
	var expired []*Entry[V]

	c.mu.Lock()
	for key, entry := range c.items {
		if now.Sub(entry.StoredAt) >= entry.TTL+c.staleRetention {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	c.recordEvictions(len(expired), size)
	if c.evictFn != nil {
		for _, entry := range expired {
			c.evictFn(entry.Key, entry.Value)
		}
	}
}
