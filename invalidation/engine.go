// Package invalidation implements the rule engine that evicts cached query results
// when row-level change notifications arrive.
//
// Every processed change is matched against the registered rules in priority order
// (high, medium, low). All matching rules apply. When two matching rules resolve to the
// same target with different strategies, the strategy of the higher-priority rule wins;
// at equal priority immediate wins over debounced.
package invalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation/condition"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/buffer"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// Store is the part of the TTL store the engine evicts from.
type Store interface {
	DeleteMatching(match cache.Matcher) []string
}

// Event records one processed change.
type Event struct {
	ID              string        `json:"id"`
	Change          change.Change `json:"change"`
	AppliedRules    []string      `json:"applied_rules"`
	InvalidatedKeys []string      `json:"invalidated_keys"`
	// DeferredTargets were handed to the debouncer and are applied later.
	DeferredTargets []string  `json:"deferred_targets,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Stats summarizes the retained history.
type Stats struct {
	TotalEvents                  int            `json:"total_events"`
	EventsByTable                map[string]int `json:"events_by_table"`
	AverageInvalidationsPerEvent float64        `json:"average_invalidations_per_event"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics exports engine metrics and the history ring size.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithClock sets the time source for event timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

type pendingTarget struct {
	timer    *time.Timer
	match    cache.Matcher
	rules    []string
	triggers int
}

// Engine evaluates invalidation rules against data changes.
type Engine struct {
	store    Store
	cfg      Config
	eval     *condition.Evaluator
	logger   *slog.Logger
	clock    func() time.Time
	registry *metric.MetricsRegistry
	prom     *engineMetrics
	history  *buffer.Ring[Event]

	mu    sync.RWMutex
	rules map[string]Rule
	order []string

	pendingMu sync.Mutex
	pending   map[string]*pendingTarget
	closed    bool
}

// NewEngine creates an engine evicting from store. Default rules and rule files named
// in cfg are installed before it returns.
func NewEngine(store Store, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "invalidation", "NewEngine", "store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		store:   store,
		cfg:     cfg,
		eval:    condition.NewEvaluator(cfg.RegexCacheSize),
		logger:  slog.Default().With("component", "invalidation"),
		clock:   time.Now,
		rules:   make(map[string]Rule),
		pending: make(map[string]*pendingTarget),
	}
	for _, opt := range opts {
		opt(e)
	}

	var ringOpts []buffer.Option[Event]
	if e.registry != nil {
		m, err := newEngineMetrics(e.registry)
		if err != nil {
			return nil, errors.WrapTransient(err, "invalidation", "NewEngine", "metrics registration")
		}
		e.prom = m
		ringOpts = append(ringOpts, buffer.WithMetrics[Event](e.registry, "invalidation"))
	}
	history, err := buffer.NewRing[Event](cfg.HistorySize, ringOpts...)
	if err != nil {
		return nil, err
	}
	e.history = history

	var initial []Rule
	if cfg.DefaultRules {
		initial = append(initial, DefaultRules()...)
	}
	if len(cfg.RulesFiles) > 0 {
		loaded, err := LoadRulesFiles(cfg.RulesFiles...)
		if err != nil {
			return nil, err
		}
		initial = append(initial, loaded...)
	}
	for _, r := range initial {
		if _, err := e.AddRule(r); err != nil {
			return nil, err
		}
	}

	e.logger.Info("Invalidation engine ready", "rules", len(initial), "history_size", cfg.HistorySize)
	return e, nil
}

// AddRule registers a rule, replacing any rule with the same ID, and returns its ID.
// Rules without an ID get a generated one. Conditions with unknown operators are
// accepted but never match.
func (e *Engine) AddRule(r Rule) (string, error) {
	r = r.Normalize()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := r.Validate(); err != nil {
		return "", err
	}
	if unknown := r.unknownOperators(); len(unknown) > 0 {
		e.logger.Warn("Rule has conditions with unknown operators, they will never match",
			"rule_id", r.ID, "operators", unknown)
	}

	e.mu.Lock()
	if _, exists := e.rules[r.ID]; !exists {
		e.order = append(e.order, r.ID)
	}
	e.rules[r.ID] = r
	count := len(e.rules)
	e.mu.Unlock()

	if e.prom != nil {
		e.prom.rules.Set(float64(count))
	}
	e.logger.Debug("Rule registered", "rule_id", r.ID, "table", r.Trigger.Table,
		"operation", r.Trigger.Operation, "priority", r.Priority, "strategy", r.Strategy)
	return r.ID, nil
}

// RemoveRule unregisters a rule.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	if _, ok := e.rules[id]; !ok {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrRuleNotFound, "invalidation", "RemoveRule", fmt.Sprintf("rule %q", id))
	}
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	count := len(e.rules)
	e.mu.Unlock()

	if e.prom != nil {
		e.prom.rules.Set(float64(count))
	}
	e.logger.Debug("Rule removed", "rule_id", id)
	return nil
}

// Rules returns the registered rules in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]Rule, 0, len(e.order))
	for _, id := range e.order {
		rules = append(rules, e.rules[id])
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority.rank() > rules[j].Priority.rank()
	})
	return rules
}

// plannedTarget is a target chosen for one change, with the strategy that won.
type plannedTarget struct {
	resolvedTarget
	strategy Strategy
	priority Priority
	rules    []string
}

// ProcessDataChange matches ch against every rule, applies immediate targets before
// returning, hands debounced targets to the debouncer and records the event.
func (e *Engine) ProcessDataChange(ctx context.Context, ch change.Change) Event {
	ch.ResolveRecordID()
	if ch.Timestamp.IsZero() {
		ch.Timestamp = e.clock()
	}
	if err := ch.Validate(); err != nil {
		e.logger.WarnContext(ctx, "Processing malformed change", "table", ch.Table,
			"operation", ch.Operation, "error", err)
	}

	var (
		applied []string
		plan    = make(map[string]*plannedTarget)
		order   []string
	)

	for _, r := range e.Rules() {
		if !r.Matches(ch) {
			continue
		}
		ok, err := e.eval.All(r.Trigger.Conditions, ch.OldData, ch.NewData)
		if err != nil {
			e.logger.WarnContext(ctx, "Rule condition could not be evaluated, skipping rule",
				"rule_id", r.ID, "table", ch.Table, "error", err)
			if e.prom != nil {
				e.prom.conditionErrors.Inc()
			}
			continue
		}
		if !ok {
			continue
		}

		applied = append(applied, r.ID)
		if e.prom != nil {
			e.prom.ruleMatches.WithLabelValues(r.ID).Inc()
		}

		for _, t := range r.Targets {
			resolved, ok := resolveTarget(t, ch)
			if !ok {
				e.logger.DebugContext(ctx, "Target placeholders unresolved, skipping target",
					"rule_id", r.ID, "pattern", t.Pattern, "record_id", ch.RecordID)
				continue
			}
			p, exists := plan[resolved.id]
			if !exists {
				plan[resolved.id] = &plannedTarget{
					resolvedTarget: resolved,
					strategy:       r.Strategy,
					priority:       r.Priority,
					rules:          []string{r.ID},
				}
				order = append(order, resolved.id)
				continue
			}
			p.rules = append(p.rules, r.ID)
			// Rules arrive highest priority first, so only an equal-priority
			// immediate rule can change the planned strategy.
			if p.strategy != r.Strategy && r.Priority.rank() == p.priority.rank() && r.Strategy == Immediate {
				p.strategy = Immediate
			}
		}
	}

	var (
		invalidated []string
		deferred    []string
		seen        = make(map[string]bool)
	)
	for _, id := range order {
		p := plan[id]
		switch p.strategy {
		case Debounced:
			e.schedule(p)
			deferred = append(deferred, id)
		default:
			e.cancelPending(id)
			for _, key := range e.store.DeleteMatching(p.match) {
				if !seen[key] {
					seen[key] = true
					invalidated = append(invalidated, key)
				}
			}
		}
	}
	sort.Strings(invalidated)

	event := Event{
		ID:              uuid.NewString(),
		Change:          ch,
		AppliedRules:    applied,
		InvalidatedKeys: invalidated,
		DeferredTargets: deferred,
		Timestamp:       e.clock(),
	}
	e.history.Write(event)

	if e.prom != nil {
		e.prom.events.WithLabelValues(ch.Table).Inc()
		e.prom.keysInvalidated.WithLabelValues(string(Immediate)).Add(float64(len(invalidated)))
	}
	e.logger.DebugContext(ctx, "Data change processed",
		"table", ch.Table, "operation", ch.Operation, "record_id", ch.RecordID,
		"applied_rules", applied, "invalidated", len(invalidated), "deferred", len(deferred))
	return event
}

func (e *Engine) schedule(p *plannedTarget) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if e.closed {
		return
	}
	if existing, ok := e.pending[p.id]; ok {
		existing.triggers++
		existing.rules = append(existing.rules, p.rules...)
		return
	}

	id := p.id
	e.pending[id] = &pendingTarget{
		timer:    time.AfterFunc(e.cfg.DebounceWindow, func() { e.fire(id) }),
		match:    p.match,
		rules:    append([]string(nil), p.rules...),
		triggers: 1,
	}
	if e.prom != nil {
		e.prom.pending.Set(float64(len(e.pending)))
	}
}

// fire applies a debounced target once its window has elapsed.
func (e *Engine) fire(id string) {
	e.pendingMu.Lock()
	pt, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	remaining := len(e.pending)
	e.pendingMu.Unlock()

	if !ok {
		return
	}
	keys := e.store.DeleteMatching(pt.match)
	if e.prom != nil {
		e.prom.pending.Set(float64(remaining))
		e.prom.keysInvalidated.WithLabelValues(string(Debounced)).Add(float64(len(keys)))
	}
	e.logger.Debug("Debounced target applied", "target", id, "triggers", pt.triggers,
		"invalidated", len(keys))
}

// cancelPending drops a debounced target that an immediate invalidation supersedes.
func (e *Engine) cancelPending(id string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if pt, ok := e.pending[id]; ok {
		pt.timer.Stop()
		delete(e.pending, id)
		if e.prom != nil {
			e.prom.pending.Set(float64(len(e.pending)))
		}
	}
}

// PendingTargets returns the debounced targets not yet applied.
func (e *Engine) PendingTargets() []string {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush applies every pending debounced target now.
func (e *Engine) Flush() {
	for _, id := range e.PendingTargets() {
		e.pendingMu.Lock()
		if pt, ok := e.pending[id]; ok {
			pt.timer.Stop()
		}
		e.pendingMu.Unlock()
		e.fire(id)
	}
}

// InvalidationStats summarizes the retained history.
func (e *Engine) InvalidationStats() Stats {
	events := e.history.Snapshot()
	stats := Stats{
		TotalEvents:   len(events),
		EventsByTable: make(map[string]int),
	}
	total := 0
	for _, ev := range events {
		stats.EventsByTable[ev.Change.Table]++
		total += len(ev.InvalidatedKeys)
	}
	if len(events) > 0 {
		stats.AverageInvalidationsPerEvent = float64(total) / float64(len(events))
	}
	return stats
}

// InvalidationHistory returns the retained events, oldest first.
func (e *Engine) InvalidationHistory() []Event {
	return e.history.Snapshot()
}

// Reset clears the history and drops pending debounced targets. Rules are kept.
func (e *Engine) Reset() {
	e.history.Clear()

	e.pendingMu.Lock()
	for id, pt := range e.pending {
		pt.timer.Stop()
		delete(e.pending, id)
	}
	e.pendingMu.Unlock()

	if e.prom != nil {
		e.prom.pending.Set(0)
	}
	e.logger.Info("Invalidation engine reset")
}

// Close applies pending debounced targets and stops accepting new ones.
func (e *Engine) Close() error {
	e.pendingMu.Lock()
	if e.closed {
		e.pendingMu.Unlock()
		return errors.ErrAlreadyStopped
	}
	e.closed = true
	e.pendingMu.Unlock()

	e.Flush()
	return nil
}
