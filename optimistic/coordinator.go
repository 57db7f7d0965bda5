// Package optimistic applies speculative values to local state before the backend
// confirms a mutation, and rolls them back when the confirmation fails or misses
// its deadline.
//
// At most one update per id is pending at a time. Updates with different ids run
// independently and may finish in any order.
package optimistic

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/buffer"
)

// Kind is the mutation kind.
type Kind string

const (
	Create Kind = "create"
	Update Kind = "update"
	Delete Kind = "delete"
)

// State is the lifecycle state of an update.
type State string

const (
	Pending    State = "pending"
	Confirmed  State = "confirmed"
	RolledBack State = "rolled_back"
	TimedOut   State = "timed_out"
)

// ConfirmFunc performs the authoritative mutation and returns the confirmed value.
// A nil value keeps the speculative value in local state.
type ConfirmFunc func(ctx context.Context) (any, error)

// ConfirmHook runs after a successful confirmation.
type ConfirmHook func(ctx context.Context, u Record, confirmed any)

// Request describes one optimistic update.
type Request struct {
	// ID identifies the record. A missing ID is generated.
	ID     string
	Kind   Kind
	Entity string
	// Speculative is applied to local state before Confirm runs. Ignored for deletes.
	Speculative any
	// Rollback is restored on failure. Nil restores the pre-update snapshot.
	Rollback any
	Confirm  ConfirmFunc
}

// Record is the tracked state of one update.
type Record struct {
	ID         string        `json:"id"`
	Kind       Kind          `json:"kind"`
	Entity     string        `json:"entity"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
	Speculated any           `json:"-"`
}

// Result is the outcome of Perform.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	State   State  `json:"state"`
	ID      string `json:"id"`
	// Err is the classified cause of a failure.
	Err error `json:"-"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics exports coordinator metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

// WithConfirmHook registers a hook called after each successful confirmation.
func WithConfirmHook(hook ConfirmHook) Option {
	return func(c *Coordinator) {
		if hook != nil {
			c.hooks = append(c.hooks, hook)
		}
	}
}

// Coordinator runs optimistic updates against a LocalState.
type Coordinator struct {
	state    LocalState
	cfg      Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	prom     *coordinatorMetrics
	hooks    []ConfirmHook
	finished *buffer.Ring[Record]

	mu      sync.Mutex
	pending map[string]*Record
}

// NewCoordinator creates a coordinator applying updates to state.
func NewCoordinator(state LocalState, cfg Config, opts ...Option) (*Coordinator, error) {
	if state == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "optimistic", "NewCoordinator", "local state is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		state:   state,
		cfg:     cfg,
		logger:  slog.Default().With("component", "optimistic"),
		pending: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(c)
	}

	var ringOpts []buffer.Option[Record]
	if c.registry != nil {
		m, err := newCoordinatorMetrics(c.registry)
		if err != nil {
			return nil, errors.WrapTransient(err, "optimistic", "NewCoordinator", "metrics registration")
		}
		c.prom = m
		ringOpts = append(ringOpts, buffer.WithMetrics[Record](c.registry, "optimistic"))
	}
	finished, err := buffer.NewRing[Record](cfg.HistorySize, ringOpts...)
	if err != nil {
		return nil, err
	}
	c.finished = finished
	return c, nil
}

func failed(id string, err error) Result {
	return Result{ID: id, State: RolledBack, Error: err.Error(), Err: err}
}

// Perform applies req.Speculative, runs req.Confirm under the configured deadline and
// either keeps the confirmed value or restores the rollback value.
func (c *Coordinator) Perform(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Confirm == nil {
		return failed(req.ID, errors.WrapInvalid(errors.ErrInvalidData, "Coordinator", "Perform", "confirm function is required"))
	}
	if req.Entity == "" {
		return failed(req.ID, errors.WrapInvalid(errors.ErrInvalidData, "Coordinator", "Perform", "entity is required"))
	}
	switch req.Kind {
	case Create, Update, Delete:
	default:
		return failed(req.ID, errors.WrapInvalid(errors.ErrInvalidData, "Coordinator", "Perform",
			fmt.Sprintf("unknown kind %q", req.Kind)))
	}

	rec := &Record{
		ID:         req.ID,
		Kind:       req.Kind,
		Entity:     req.Entity,
		State:      Pending,
		StartedAt:  time.Now(),
		Speculated: req.Speculative,
	}

	// Registration, snapshot and speculative apply happen under one lock.
	c.mu.Lock()
	key := pendingKey(req.Entity, req.ID)
	if _, busy := c.pending[key]; busy {
		c.mu.Unlock()
		err := errors.WrapInvalid(errors.ErrUpdatePending, "Coordinator", "Perform", fmt.Sprintf("update %s", req.ID))
		return Result{ID: req.ID, State: Pending, Error: err.Error(), Err: err}
	}
	c.pending[key] = rec
	snapshot, hadSnapshot := c.state.Snapshot(req.Entity, req.ID)
	if req.Kind == Delete {
		c.state.Remove(req.Entity, req.ID)
	} else {
		c.state.Apply(req.Entity, req.ID, req.Speculative)
	}
	pendingCount := len(c.pending)
	c.mu.Unlock()

	if c.prom != nil {
		c.prom.pending.Set(float64(pendingCount))
	}
	c.logger.DebugContext(ctx, "Speculative value applied", "update_id", req.ID, "entity", req.Entity, "kind", req.Kind)

	confirmed, err := c.confirm(ctx, req.Confirm)

	var result Result
	switch {
	case err == nil:
		if confirmed != nil && req.Kind != Delete {
			c.state.Apply(req.Entity, req.ID, confirmed)
		}
		data := confirmed
		if data == nil {
			data = req.Speculative
		}
		result = Result{Success: true, Data: data, State: Confirmed, ID: req.ID}

	default:
		switch {
		case req.Rollback != nil:
			c.state.Apply(req.Entity, req.ID, req.Rollback)
		case hadSnapshot:
			c.state.Apply(req.Entity, req.ID, snapshot)
		default:
			c.state.Remove(req.Entity, req.ID)
		}
		state := RolledBack
		if errors.Is(err, errors.ErrUpdateTimeout) {
			state = TimedOut
		}
		result = Result{State: state, Error: err.Error(), Err: err, ID: req.ID}
	}

	c.finish(ctx, key, rec, result, confirmed)
	return result
}

// confirm runs fn racing the configured deadline.
func (c *Coordinator) confirm(ctx context.Context, fn ConfirmFunc) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("confirm panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrMutateFailed, o.err),
				"Coordinator", "Perform", "confirm")
		}
		return o.value, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, errors.WrapTransient(errors.ErrUpdateTimeout, "Coordinator", "Perform",
				fmt.Sprintf("confirm after %v", c.cfg.Timeout))
		}
		return nil, errors.WrapTransient(ctx.Err(), "Coordinator", "Perform", "confirm")
	}
}

func (c *Coordinator) finish(ctx context.Context, key string, rec *Record, result Result, confirmed any) {
	done := *rec
	done.State = result.State
	done.Duration = time.Since(rec.StartedAt)
	done.LastError = result.Error

	c.mu.Lock()
	delete(c.pending, key)
	pendingCount := len(c.pending)
	c.mu.Unlock()
	c.finished.Write(done)

	if c.prom != nil {
		c.prom.pending.Set(float64(pendingCount))
		c.prom.updates.WithLabelValues(string(done.Kind), string(done.State)).Inc()
		c.prom.duration.Observe(done.Duration.Seconds())
	}

	if result.Success {
		c.logger.DebugContext(ctx, "Update confirmed", "update_id", done.ID, "entity", done.Entity,
			"duration", done.Duration)
		for _, hook := range c.hooks {
			hook(ctx, done, confirmed)
		}
		return
	}
	c.logger.WarnContext(ctx, "Update rolled back", "update_id", done.ID, "entity", done.Entity,
		"state", done.State, "error", result.Err)
}

// Pending returns the updates waiting for confirmation, oldest first.
func (c *Coordinator) Pending() []Record {
	c.mu.Lock()
	records := make([]Record, 0, len(c.pending))
	for _, r := range c.pending {
		records = append(records, *r)
	}
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.Before(records[j].StartedAt) })
	return records
}

// Recent returns the most recently finished updates, oldest first.
func (c *Coordinator) Recent() []Record {
	return c.finished.Snapshot()
}

func pendingKey(entity, id string) string {
	return entity + "/" + id
}
