// Package buffer provides the bounded, oldest-evicted ring used for audit histories.
//
// Ring is append-only from the caller's point of view: Write adds an item and, once the
// ring is full, drops the oldest one. Snapshot returns items oldest first.
package buffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

// DropCallback is called with each item evicted to make room.
type DropCallback[T any] func(item T)

// Option configures a Ring.
type Option[T any] func(*ringOptions[T])

type ringOptions[T any] struct {
	dropCallback  DropCallback[T]
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithDropCallback sets a callback invoked outside the lock for every dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(opts *ringOptions[T]) {
		opts.dropCallback = callback
	}
}

// WithMetrics exports the ring size and drop count. Ignored when registry is nil.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(opts *ringOptions[T]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// Ring is a thread-safe fixed-capacity circular buffer with drop-oldest overflow.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	dropped  int64
	onDrop   DropCallback[T]

	sizeGauge    prometheus.Gauge
	droppedTotal prometheus.Counter
}

// NewRing creates a ring holding at most capacity items. Capacity below 1 is raised to 1.
func NewRing[T any](capacity int, options ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	opts := &ringOptions[T]{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	r := &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		onDrop:   opts.dropCallback,
	}

	if opts.metricsReg != nil {
		r.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "history",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": opts.metricsPrefix},
			Help:        "Current number of retained history entries",
		})
		r.droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "history",
			Name:        "dropped_total",
			ConstLabels: prometheus.Labels{"component": opts.metricsPrefix},
			Help:        "Total number of history entries evicted to make room",
		})
		if err := opts.metricsReg.RegisterGauge(opts.metricsPrefix, "history_size", r.sizeGauge); err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewRing", "metrics registration")
		}
		if err := opts.metricsReg.RegisterCounter(opts.metricsPrefix, "history_dropped", r.droppedTotal); err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewRing", "metrics registration")
		}
	}

	return r, nil
}

// Write appends item, evicting the oldest entry when full.
func (r *Ring[T]) Write(item T) {
	var (
		dropped    T
		hasDropped bool
	)

	r.mu.Lock()
	if r.size == r.capacity {
		tail := (r.head - r.size + r.capacity) % r.capacity
		dropped = r.items[tail]
		hasDropped = true
		r.size--
		r.dropped++
	}
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++
	size := r.size
	r.mu.Unlock()

	if r.sizeGauge != nil {
		r.sizeGauge.Set(float64(size))
		if hasDropped {
			r.droppedTotal.Inc()
		}
	}
	if hasDropped && r.onDrop != nil {
		r.onDrop(dropped)
	}
}

// Snapshot returns a copy of the retained items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, r.size)
	tail := (r.head - r.size + r.capacity) % r.capacity
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(tail+i)%r.capacity]
	}
	return out
}

// Len returns the number of retained items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of retained items.
func (r *Ring[T]) Capacity() int {
	return r.capacity
}

// Dropped returns how many items have been evicted since creation.
func (r *Ring[T]) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Clear removes all items without invoking the drop callback.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.size = 0
	r.mu.Unlock()

	if r.sizeGauge != nil {
		r.sizeGauge.Set(0)
	}
}
