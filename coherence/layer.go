// Package coherence composes the query cache, the invalidation engine, the realtime
// subscription manager and the optimistic coordinator into one layer.
//
// Every change delivered by the realtime transport runs through the invalidation engine
// before subscriber callbacks see it. Confirmed local mutations are turned into the same
// kind of change, so the cache is invalidated without waiting for the backend echo.
package coherence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/health"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/optimistic"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// SourceLocal marks changes produced by confirmed local mutations.
const SourceLocal = "optimistic"

// Config holds the component sections of the layer.
type Config struct {
	Cache        cache.Config
	Query        query.Config
	Invalidation invalidation.Config
	Realtime     realtime.Config
	Optimistic   optimistic.Config
	// Breaker wraps the data source in a circuit breaker when set.
	Breaker *datasource.BreakerConfig
}

// DefaultConfig returns every component's defaults with the breaker on.
func DefaultConfig() Config {
	breaker := datasource.DefaultBreakerConfig("datasource")
	return Config{
		Cache:        cache.DefaultConfig(),
		Query:        query.DefaultConfig(),
		Invalidation: invalidation.DefaultConfig(),
		Realtime:     realtime.DefaultConfig(),
		Optimistic:   optimistic.DefaultConfig(),
		Breaker:      &breaker,
	}
}

// Publisher forwards confirmed local changes to other instances.
type Publisher interface {
	Publish(ctx context.Context, ch change.Change) error
}

// Dependencies are the collaborators the layer does not own.
type Dependencies struct {
	Source    datasource.DataSource
	Transport realtime.Transport
	// State receives speculative values. Defaults to an optimistic.MemoryState.
	State     optimistic.LocalState
	Publisher Publisher
	Metrics   *metric.MetricsRegistry
	Logger    *slog.Logger
}

// Layer is the cache coherency layer.
type Layer struct {
	store     query.Store
	source    datasource.DataSource
	queries   *query.Service
	engine    *invalidation.Engine
	updates   *optimistic.Coordinator
	realtime  *realtime.Manager
	publisher Publisher
	logger    *slog.Logger

	mu            sync.Mutex
	authenticated bool
	userID        string
	closed        bool
}

// New builds the layer. ctx bounds the store's background sweep.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Layer, error) {
	if deps.Source == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "coherence", "New", "data source is required")
	}
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "coherence", "New", "realtime transport is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	state := deps.State
	if state == nil {
		state = optimistic.NewMemoryState()
	}

	l := &Layer{
		source:    deps.Source,
		publisher: deps.Publisher,
		logger:    logger.With("component", "coherence"),
	}

	if cfg.Breaker != nil {
		var core *metric.Metrics
		if deps.Metrics != nil {
			core = deps.Metrics.CoreMetrics()
		}
		l.source = datasource.NewBreaker(deps.Source, *cfg.Breaker, core)
	}

	store, err := cache.NewFromConfig[[]datasource.Row](ctx, cfg.Cache,
		cache.WithMetrics[[]datasource.Row](deps.Metrics, "query_cache"))
	if err != nil {
		return nil, err
	}
	l.store = store

	cleanup := func() {
		if l.engine != nil {
			_ = l.engine.Close()
		}
		_ = store.Close()
	}

	l.queries, err = query.NewService(store, l.source, cfg.Query,
		query.WithTTL(cfg.Cache.TTLFor),
		query.WithMetrics(deps.Metrics),
		query.WithLogger(logger.With("component", "query")))
	if err != nil {
		cleanup()
		return nil, err
	}

	l.engine, err = invalidation.NewEngine(store, cfg.Invalidation,
		invalidation.WithMetrics(deps.Metrics),
		invalidation.WithLogger(logger.With("component", "invalidation")))
	if err != nil {
		cleanup()
		return nil, err
	}

	coordOpts := []optimistic.Option{
		optimistic.WithConfirmHook(l.confirmed),
		optimistic.WithLogger(logger.With("component", "optimistic")),
	}
	if deps.Metrics != nil {
		coordOpts = append(coordOpts, optimistic.WithMetrics(deps.Metrics))
	}
	l.updates, err = optimistic.NewCoordinator(state, cfg.Optimistic, coordOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	rtOpts := []realtime.Option{
		realtime.WithLogger(logger.With("component", "realtime")),
		realtime.WithChangeProcessor(func(ctx context.Context, ch change.Change) {
			l.engine.ProcessDataChange(ctx, ch)
		}),
		realtime.WithUpdatesProvider(l.updates.Pending),
		realtime.WithCacheStatusProvider(l.cacheStatus),
	}
	if deps.Metrics != nil {
		rtOpts = append(rtOpts, realtime.WithMetrics(deps.Metrics))
	}
	l.realtime, err = realtime.NewManager(deps.Transport, cfg.Realtime, rtOpts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	l.logger.Info("Cache coherency layer ready", "rules", len(l.engine.Rules()))
	return l, nil
}

// Query reads entity rows through the query cache.
func (l *Layer) Query(ctx context.Context, entity string, filters map[string]any, opts query.Options) (query.Result, error) {
	return l.queries.Query(ctx, entity, filters, opts)
}

// Mutate writes m optimistically: the payload is applied to local state at once, the
// backend call confirms or rolls it back, and a confirmation invalidates the cache.
// Creates without an id are tracked under a generated one.
func (l *Layer) Mutate(ctx context.Context, m datasource.Mutation) optimistic.Result {
	kind, err := kindOf(m.Kind)
	if err == nil {
		err = m.Validate()
	}
	if err != nil {
		return optimistic.Result{ID: m.ID, State: optimistic.RolledBack, Error: err.Error(), Err: err}
	}

	req := optimistic.Request{
		ID:     m.ID,
		Kind:   kind,
		Entity: m.Entity,
		Confirm: func(ctx context.Context) (any, error) {
			row, err := l.source.Mutate(ctx, m)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, nil
			}
			return row, nil
		},
	}
	if m.Payload != nil {
		req.Speculative = m.Payload
	}
	return l.updates.Perform(ctx, req)
}

// confirmed feeds a confirmed update to the engine as a change and republishes it.
func (l *Layer) confirmed(ctx context.Context, rec optimistic.Record, value any) {
	ch := change.Change{
		Table:     rec.Entity,
		Operation: operationOf(rec.Kind),
		Timestamp: time.Now(),
		Source:    SourceLocal,
	}
	row, _ := value.(datasource.Row)
	if row == nil {
		row, _ = rec.Speculated.(datasource.Row)
	}
	if rec.Kind == optimistic.Delete {
		ch.OldData = row
	} else {
		ch.NewData = row
	}
	// The backend row carries the real id of a create.
	ch.ResolveRecordID()
	if ch.RecordID == "" {
		ch.RecordID = rec.ID
	}

	event := l.engine.ProcessDataChange(ctx, ch)
	l.logger.DebugContext(ctx, "Local change applied", "table", ch.Table, "record_id", ch.RecordID,
		"invalidated", len(event.InvalidatedKeys))

	if l.publisher == nil {
		return
	}
	if err := l.publisher.Publish(ctx, ch); err != nil {
		l.logger.WarnContext(ctx, "Publishing local change failed", "table", ch.Table,
			"record_id", ch.RecordID, "error", err)
	}
}

// Subscribe registers a realtime callback. See realtime.Manager.Subscribe.
func (l *Layer) Subscribe(id string, topic realtime.Topic, callback realtime.Callback) (func(), error) {
	return l.realtime.Subscribe(id, topic, callback)
}

// SetAuthenticationStatus opens or closes the realtime channels. Logging out or
// switching user also empties the query cache, since cached rows were read under the
// previous user's row level security.
func (l *Layer) SetAuthenticationStatus(authenticated bool, userID string) {
	if !authenticated {
		userID = ""
	}
	l.mu.Lock()
	changedUser := l.authenticated && (!authenticated || userID != l.userID)
	l.authenticated = authenticated
	l.userID = userID
	l.mu.Unlock()

	if changedUser {
		if err := l.queries.ClearCache(); err != nil {
			l.logger.Warn("Clearing query cache failed", "error", err)
		}
	}
	l.realtime.SetAuthenticationStatus(authenticated, userID)
}

// Status reports authentication, channel health, subscriptions, pending updates and
// cache statistics.
func (l *Layer) Status() realtime.StatusReport {
	return l.realtime.Status()
}

// Health returns the aggregated health of the realtime channels.
func (l *Layer) Health() health.Status {
	return l.realtime.Status().ConnectionHealth
}

func (l *Layer) cacheStatus() realtime.CacheStatus {
	return realtime.CacheStatus{
		Entries: l.store.Size(),
		Store:   l.store.Stats().Summary(),
		Queries: l.queries.PerformanceStats(),
	}
}

// Queries returns the query service.
func (l *Layer) Queries() *query.Service { return l.queries }

// Engine returns the invalidation engine.
func (l *Layer) Engine() *invalidation.Engine { return l.engine }

// Updates returns the optimistic coordinator.
func (l *Layer) Updates() *optimistic.Coordinator { return l.updates }

// Realtime returns the subscription manager.
func (l *Layer) Realtime() *realtime.Manager { return l.realtime }

// Close stops the components in reverse order of construction.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	l.closed = true
	l.mu.Unlock()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(l.realtime.Close())
	keep(l.engine.Close())
	keep(l.store.Close())
	if first != nil {
		return errors.Wrap(first, "coherence", "Close", "stop components")
	}
	l.logger.Info("Cache coherency layer stopped")
	return nil
}

func kindOf(k datasource.MutationKind) (optimistic.Kind, error) {
	switch k {
	case datasource.Create:
		return optimistic.Create, nil
	case datasource.Update:
		return optimistic.Update, nil
	case datasource.Delete:
		return optimistic.Delete, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidData, "coherence", "Mutate",
			fmt.Sprintf("unknown mutation kind %q", k))
	}
}

func operationOf(k optimistic.Kind) change.Operation {
	switch k {
	case optimistic.Create:
		return change.Insert
	case optimistic.Delete:
		return change.Delete
	default:
		return change.Update
	}
}
