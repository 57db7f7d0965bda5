// Package realtime multiplexes change-notification subscribers over one underlying
// channel per table.
//
// A channel moves pending -> connected on acknowledgment, or pending -> error on failure.
// After an error it waits BaseDelay * BackoffFactor^(attempt-1), moves to retrying and
// opens again, up to Retry.MaxAttempts times. When the attempts are exhausted the channel
// stays in error with its final retry count. Channels are only open while the manager is
// authenticated; logging out closes them but keeps every registration.
package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/health"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/optimistic"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// ErrDuplicateSubscription is returned when a subscriber id is already registered.
var ErrDuplicateSubscription = errors.New("subscription id already registered")

// CacheStatus summarizes the query cache for Status.
type CacheStatus struct {
	Entries int                    `json:"entries"`
	Store   cache.StatsSummary     `json:"store"`
	Queries query.PerformanceStats `json:"queries"`
}

// StatusReport is the snapshot returned by Status.
type StatusReport struct {
	IsAuthenticated   bool                `json:"is_authenticated"`
	UserID            string              `json:"user_id,omitempty"`
	ConnectionHealth  health.Status       `json:"connection_health"`
	Subscriptions     []Subscription      `json:"subscriptions"`
	OptimisticUpdates []optimistic.Record `json:"optimistic_updates"`
	CacheStatus       *CacheStatus        `json:"cache_status,omitempty"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics exports channel and delivery metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.registry = registry
	}
}

// WithChangeProcessor runs fn on every change before subscriber callbacks.
func WithChangeProcessor(fn ChangeProcessor) Option {
	return func(m *Manager) {
		m.processor = fn
	}
}

// WithUpdatesProvider supplies the optimistic updates reported by Status.
func WithUpdatesProvider(fn func() []optimistic.Record) Option {
	return func(m *Manager) {
		m.updates = fn
	}
}

// WithCacheStatusProvider supplies the cache summary reported by Status.
func WithCacheStatusProvider(fn func() CacheStatus) Option {
	return func(m *Manager) {
		m.cacheStatus = fn
	}
}

type subscriber struct {
	id       string
	topic    Topic
	callback Callback
	seq      uint64
	active   atomic.Bool
}

type channel struct {
	table       string
	subscribers map[string]*subscriber

	status     Status
	retryCount int
	lastError  string
	// generation invalidates callbacks and timers of earlier opens.
	generation uint64
	closer     io.Closer
	timer      *time.Timer
}

// Manager owns the subscriber registry and the channels.
type Manager struct {
	transport   Transport
	cfg         Config
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	metrics     *managerMetrics
	core        *metric.Metrics
	processor   ChangeProcessor
	updates     func() []optimistic.Record
	cacheStatus func() CacheStatus
	health      *health.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	subs          map[string]*subscriber
	channels      map[string]*channel
	authenticated bool
	userID        string
	seq           uint64
	closed        bool
}

// NewManager creates an unauthenticated manager. No channel opens before
// SetAuthenticationStatus(true, ...).
func NewManager(transport Transport, cfg Config, opts ...Option) (*Manager, error) {
	if transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: transport,
		cfg:       cfg,
		logger:    slog.Default().With("component", "realtime"),
		health:    health.NewMonitor(),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscriber),
		channels:  make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry != nil {
		metrics, err := newManagerMetrics(m.registry)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "Manager", "NewManager", "register metrics")
		}
		m.metrics = metrics
		m.core = m.registry.CoreMetrics()
	}
	return m, nil
}

// Subscribe registers callback for topic and returns a function that removes it.
// Subscribers of the same table share one channel. The returned function is safe to
// call more than once.
func (m *Manager) Subscribe(id string, topic Topic, callback Callback) (func(), error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Subscribe", "subscription id is required")
	}
	if callback == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Subscribe", "callback is required")
	}
	topic, err := topic.normalize()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.ErrAlreadyStopped
	}
	if _, exists := m.subs[id]; exists {
		m.mu.Unlock()
		return nil, errors.WrapInvalid(ErrDuplicateSubscription, "Manager", "Subscribe", fmt.Sprintf("id %s", id))
	}

	m.seq++
	sub := &subscriber{id: id, topic: topic, callback: callback, seq: m.seq}
	sub.active.Store(true)
	m.subs[id] = sub

	ch, exists := m.channels[topic.Table]
	if !exists {
		ch = &channel{table: topic.Table, subscribers: make(map[string]*subscriber), status: StatusPending}
		m.channels[topic.Table] = ch
	}
	ch.subscribers[id] = sub

	var gen uint64
	open := !exists && m.authenticated
	if open {
		ch.generation++
		gen = ch.generation
		m.setChannelStatusLocked(ch, StatusPending)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Debug("Subscribed", "subscription_id", id, "table", topic.Table, "event", topic.Event)
	if open {
		go m.connect(ch, gen)
	}

	var once sync.Once
	return func() { once.Do(func() { m.unsubscribe(sub) }) }, nil
}

func (m *Manager) unsubscribe(sub *subscriber) {
	// Deactivate first so an in-flight fan-out skips this subscriber.
	sub.active.Store(false)

	m.mu.Lock()
	if m.subs[sub.id] != sub {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.id)

	var closer io.Closer
	ch := m.channels[sub.topic.Table]
	if ch != nil {
		delete(ch.subscribers, sub.id)
		if len(ch.subscribers) == 0 {
			closer = m.teardownLocked(ch)
			delete(m.channels, ch.table)
			m.health.Remove(ch.table)
			m.logger.Debug("Channel removed", "table", ch.table)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	closeChannel(m.logger, closer, sub.topic.Table)
	m.logger.Debug("Unsubscribed", "subscription_id", sub.id, "table", sub.topic.Table)
}

// SetAuthenticationStatus opens every registered channel on login and closes them on
// logout. A change of user while authenticated reopens all channels.
func (m *Manager) SetAuthenticationStatus(authenticated bool, userID string) {
	if !authenticated {
		userID = ""
	}

	m.mu.Lock()
	if m.closed || (m.authenticated == authenticated && m.userID == userID) {
		m.mu.Unlock()
		return
	}
	wasAuthenticated := m.authenticated
	m.authenticated = authenticated
	m.userID = userID

	var closers []io.Closer
	if wasAuthenticated {
		for _, ch := range m.channels {
			if c := m.teardownLocked(ch); c != nil {
				closers = append(closers, c)
			}
		}
	}

	type opening struct {
		ch  *channel
		gen uint64
	}
	var opens []opening
	if authenticated {
		for _, ch := range m.channels {
			ch.generation++
			ch.retryCount = 0
			ch.lastError = ""
			m.setChannelStatusLocked(ch, StatusPending)
			opens = append(opens, opening{ch: ch, gen: ch.generation})
		}
	} else {
		m.health.Clear()
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, c := range closers {
		closeChannel(m.logger, c, "")
	}
	m.logger.Info("Authentication changed", "authenticated", authenticated, "channels", len(opens))
	for _, o := range opens {
		go m.connect(o.ch, o.gen)
	}
}

// teardownLocked stops timers and callbacks of ch and resets it to pending. The returned
// closer must be closed after the lock is released.
func (m *Manager) teardownLocked(ch *channel) io.Closer {
	ch.generation++
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	closer := ch.closer
	ch.closer = nil
	ch.status = StatusPending
	ch.retryCount = 0
	ch.lastError = ""
	return closer
}

func (m *Manager) connect(ch *channel, gen uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OpenTimeout)
	closer, err := m.transport.Open(ctx, ch.table,
		func(c change.Change) { m.dispatch(ch, gen, c) },
		func(err error) { m.channelFailed(ch, gen, err) },
	)
	cancel()

	m.mu.Lock()
	if m.closed || ch.generation != gen {
		m.mu.Unlock()
		// Torn down while opening.
		closeChannel(m.logger, closer, ch.table)
		return
	}
	if err != nil {
		stale := m.failLocked(ch, err)
		m.mu.Unlock()
		closeChannel(m.logger, stale, ch.table)
		return
	}
	ch.closer = closer
	m.setChannelStatusLocked(ch, StatusConnected)
	retries := ch.retryCount
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("Channel connected", "table", ch.table, "retry_count", retries)
}

func (m *Manager) channelFailed(ch *channel, gen uint64, err error) {
	m.mu.Lock()
	if m.closed || ch.generation != gen {
		m.mu.Unlock()
		return
	}
	stale := m.failLocked(ch, err)
	m.mu.Unlock()
	closeChannel(m.logger, stale, ch.table)
}

// failLocked marks ch as failed and schedules the next attempt when one is left.
func (m *Manager) failLocked(ch *channel, err error) io.Closer {
	if ch.status == StatusConnected {
		// A new failure episode after a successful connection gets a fresh budget.
		ch.retryCount = 0
	}
	ch.lastError = health.Sanitize(err.Error())
	m.setChannelStatusLocked(ch, StatusError)
	stale := ch.closer
	ch.closer = nil
	ch.generation++

	if ch.retryCount >= m.cfg.Retry.MaxAttempts {
		m.logger.Error("Channel failed permanently", "table", ch.table, "retry_count", ch.retryCount, "error", err)
		if m.metrics != nil {
			m.metrics.failures.WithLabelValues(ch.table).Inc()
		}
		if m.core != nil {
			m.core.RecordError("realtime", errors.Classify(err).String())
		}
		m.updateGaugesLocked()
		return stale
	}

	ch.retryCount++
	attempt, gen := ch.retryCount, ch.generation
	delay := m.cfg.Retry.Delay(attempt)
	ch.timer = time.AfterFunc(delay, func() { m.retry(ch, gen) })
	m.logger.Warn("Channel error, retrying", "table", ch.table, "attempt", attempt, "delay", delay, "error", err)
	m.updateGaugesLocked()
	return stale
}

func (m *Manager) retry(ch *channel, gen uint64) {
	m.mu.Lock()
	if m.closed || !m.authenticated || ch.generation != gen {
		m.mu.Unlock()
		return
	}
	ch.timer = nil
	m.setChannelStatusLocked(ch, StatusRetrying)
	m.updateGaugesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.retries.WithLabelValues(ch.table).Inc()
	}
	m.connect(ch, gen)
}

// dispatch runs the change processor, then every active subscriber whose event filter
// accepts the change, highest priority first.
func (m *Manager) dispatch(ch *channel, gen uint64, c change.Change) {
	if c.Table == "" {
		c.Table = ch.table
	}
	c.ResolveRecordID()

	m.mu.RLock()
	if m.closed || ch.generation != gen {
		m.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		if sub.topic.Event.Matches(c.Operation) {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	if m.processor != nil {
		m.processor(m.ctx, c)
	}

	sort.Slice(targets, func(i, j int) bool {
		ri, rj := targets[i].topic.Priority.rank(), targets[j].topic.Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return targets[i].seq < targets[j].seq
	})
	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		m.deliver(sub, c)
	}
	if m.metrics != nil {
		m.metrics.deliveries.WithLabelValues(ch.table).Inc()
	}
}

func (m *Manager) deliver(sub *subscriber, c change.Change) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Subscriber callback panicked", "subscription_id", sub.id, "table", c.Table, "panic", r)
			if m.metrics != nil {
				m.metrics.panics.Inc()
			}
		}
	}()
	sub.callback(c)
}

func (m *Manager) setChannelStatusLocked(ch *channel, status Status) {
	ch.status = status
	var s health.Status
	switch status {
	case StatusConnected:
		s = health.NewHealthy(ch.table, "connected")
	case StatusError:
		s = health.NewUnhealthy(ch.table, ch.lastError)
	default:
		s = health.NewDegraded(ch.table, string(status))
	}
	m.health.Update(ch.table, s)
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics != nil {
		counts := map[Status]int{StatusPending: 0, StatusConnected: 0, StatusError: 0, StatusRetrying: 0}
		for _, ch := range m.channels {
			counts[ch.status]++
		}
		for status, n := range counts {
			m.metrics.channels.WithLabelValues(string(status)).Set(float64(n))
		}
		m.metrics.subscribers.Set(float64(len(m.subs)))
	}
	if m.core != nil {
		agg := m.health.Aggregate("realtime")
		m.core.RecordHealth("realtime", agg.IsHealthy(), agg.IsDegraded())
	}
}

// Subscriptions returns every registered subscriber, ordered by registration.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	out := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		view := Subscription{
			ID:         sub.id,
			Topic:      sub.topic,
			Status:     StatusPending,
			ChannelKey: ChannelKey(sub.topic.Table),
		}
		if ch := m.channels[sub.topic.Table]; ch != nil {
			view.Status = ch.status
			view.RetryCount = ch.retryCount
			view.LastError = ch.lastError
		}
		out = append(out, view)
	}
	return out
}

// Status reports authentication, channel health, subscriptions and, when providers are
// configured, optimistic updates and cache statistics.
func (m *Manager) Status() StatusReport {
	m.mu.RLock()
	report := StatusReport{
		IsAuthenticated:  m.authenticated,
		UserID:           m.userID,
		ConnectionHealth: m.health.Aggregate("realtime"),
	}
	m.mu.RUnlock()

	report.Subscriptions = m.Subscriptions()
	if m.updates != nil {
		report.OptimisticUpdates = m.updates()
	}
	if m.cacheStatus != nil {
		cs := m.cacheStatus()
		report.CacheStatus = &cs
	}
	return report
}

// Close leaves every channel and drops all registrations.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.ErrAlreadyStopped
	}
	m.closed = true
	var closers []io.Closer
	for _, ch := range m.channels {
		if c := m.teardownLocked(ch); c != nil {
			closers = append(closers, c)
		}
	}
	for _, sub := range m.subs {
		sub.active.Store(false)
	}
	m.subs = make(map[string]*subscriber)
	m.channels = make(map[string]*channel)
	m.health.Clear()
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.cancel()
	for _, c := range closers {
		closeChannel(m.logger, c, "")
	}
	return nil
}

func closeChannel(logger *slog.Logger, c io.Closer, table string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("Closing channel failed", "table", table, "error", err)
	}
}
