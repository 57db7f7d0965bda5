// Package rulesync keeps the invalidation rules of every instance in step with a NATS
// KV bucket. Each key holds one rule, or a list of rules, in JSON or YAML.
package rulesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation"
)

// DefaultBucket is the KV bucket holding shared rules.
const DefaultBucket = "INVALIDATION_RULES"

// Watcher is the part of the KV store the syncer reads.
type Watcher interface {
	Watch(ctx context.Context, pattern string) (jetstream.KeyWatcher, error)
}

// Putter is the part of the KV store PutRule writes to.
type Putter interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// RuleStore receives the synced rules.
type RuleStore interface {
	AddRule(r invalidation.Rule) (string, error)
	RemoveRule(id string) error
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Syncer applies bucket updates to a RuleStore.
type Syncer struct {
	kv     Watcher
	rules  RuleStore
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu sync.Mutex
	// owned maps a bucket key to the rule ids it registered.
	owned map[string][]string
}

// New creates a syncer. Run starts it.
func New(kv Watcher, rules RuleStore, opts ...Option) *Syncer {
	s := &Syncer{
		kv:     kv,
		rules:  rules,
		logger: slog.Default().With("component", "rulesync"),
		ready:  make(chan struct{}),
		owned:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the bucket's existing rules are applied.
func (s *Syncer) Ready() <-chan struct{} {
	return s.ready
}

// Run watches the bucket until ctx is done or the watcher closes.
func (s *Syncer) Run(ctx context.Context) error {
	watcher, err := s.kv.Watch(ctx, ">")
	if err != nil {
		return errors.WrapTransient(err, "Syncer", "Run", "watch rules bucket")
	}
	defer func() {
		if err := watcher.Stop(); err != nil {
			s.logger.Debug("Stopping rule watcher failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-watcher.Updates():
			if !ok {
				return errors.WrapTransient(errors.ErrConnectionLost, "Syncer", "Run", "rule watcher closed")
			}
			if entry == nil {
				s.markReady()
				continue
			}
			s.Apply(entry.Key(), entry.Value(), entry.Operation() != jetstream.KeyValuePut)
		}
	}
}

func (s *Syncer) markReady() {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		n := len(s.owned)
		s.mu.Unlock()
		s.logger.Info("Shared invalidation rules loaded", "keys", n)
		close(s.ready)
	})
}

// Apply registers the rules stored under key, or removes them when deleted is set.
// Rules previously registered by key and missing from the new value are removed.
// A value that does not parse leaves the previous rules of key in place.
func (s *Syncer) Apply(key string, value []byte, deleted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deleted {
		s.removeLocked(key, s.owned[key])
		delete(s.owned, key)
		return
	}

	rules, err := invalidation.ParseRules(value, formatOf(value))
	if err != nil {
		s.logger.Warn("Ignoring invalid shared rule", "key", key, "error", err)
		return
	}

	ids := make([]string, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			r.ID = key
			if len(rules) > 1 {
				r.ID = fmt.Sprintf("%s-%d", key, i+1)
			}
		}
		id, err := s.rules.AddRule(r)
		if err != nil {
			s.logger.Warn("Rejected shared rule", "key", key, "rule_id", r.ID, "error", err)
			continue
		}
		ids = append(ids, id)
	}

	var stale []string
	for _, old := range s.owned[key] {
		if !slices.Contains(ids, old) {
			stale = append(stale, old)
		}
	}
	s.removeLocked(key, stale)
	s.owned[key] = ids
	s.logger.Debug("Shared rules applied", "key", key, "rules", len(ids))
}

func (s *Syncer) removeLocked(key string, ids []string) {
	for _, id := range ids {
		if err := s.rules.RemoveRule(id); err != nil && !errors.Is(err, errors.ErrRuleNotFound) {
			s.logger.Warn("Removing shared rule failed", "key", key, "rule_id", id, "error", err)
		}
	}
}

// Keys returns the bucket keys that currently own rules.
func (s *Syncer) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.owned))
	for k := range s.owned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PutRule stores r under its ID, filling defaults first.
func PutRule(ctx context.Context, kv Putter, r invalidation.Rule) error {
	r = r.Normalize()
	if r.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidRule, "rulesync", "PutRule", "shared rules need an id")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "rulesync", "PutRule", "encode rule")
	}
	if _, err := kv.Put(ctx, r.ID, data); err != nil {
		return err
	}
	return nil
}

func formatOf(value []byte) invalidation.Format {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return invalidation.FormatJSON
	}
	return invalidation.FormatYAML
}
