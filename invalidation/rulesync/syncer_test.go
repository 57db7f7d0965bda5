package rulesync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/invalidation"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/cache"
)

type entry struct {
	key   string
	value []byte
	op    jetstream.KeyValueOp
	rev   uint64
}

func (e entry) Bucket() string                  { return DefaultBucket }
func (e entry) Key() string                     { return e.key }
func (e entry) Value() []byte                   { return e.value }
func (e entry) Revision() uint64                { return e.rev }
func (e entry) Created() time.Time              { return time.Time{} }
func (e entry) Delta() uint64                   { return 0 }
func (e entry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	updates chan jetstream.KeyValueEntry
	stopped chan struct{}
	once    sync.Once
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.updates }

func (w *fakeWatcher) Stop() error {
	w.once.Do(func() { close(w.stopped) })
	return nil
}

type fakeKV struct {
	watcher *fakeWatcher
	puts    map[string][]byte
	err     error
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		watcher: &fakeWatcher{updates: make(chan jetstream.KeyValueEntry, 16), stopped: make(chan struct{})},
		puts:    make(map[string][]byte),
	}
}

func (kv *fakeKV) Watch(context.Context, string) (jetstream.KeyWatcher, error) {
	if kv.err != nil {
		return nil, kv.err
	}
	return kv.watcher, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	kv.puts[key] = value
	return uint64(len(kv.puts)), nil
}

type nopStore struct{}

func (nopStore) DeleteMatching(cache.Matcher) []string { return nil }

func newEngine(t *testing.T) *invalidation.Engine {
	t.Helper()
	cfg := invalidation.DefaultConfig()
	cfg.DefaultRules = false
	e, err := invalidation.NewEngine(nopStore{}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func ruleIDs(e *invalidation.Engine) []string {
	var ids []string
	for _, r := range e.Rules() {
		ids = append(ids, r.ID)
	}
	return ids
}

const quotesRule = `{"trigger":{"table":"quotes","operation":"UPDATE"},"targets":[{"type":"entity"}],"priority":"high"}`

func TestSyncer_Apply(t *testing.T) {
	engine := newEngine(t)
	s := New(newFakeKV(), engine)

	s.Apply("quotes", []byte(quotesRule), false)
	rules := engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "quotes", rules[0].ID)
	assert.Equal(t, invalidation.High, rules[0].Priority)
	assert.Equal(t, "quotes", rules[0].Targets[0].Pattern)

	s.Apply("quotes", []byte(`
trigger:
  table: quotes
targets:
  - type: whole_cache
priority: low
`), false)
	rules = engine.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, invalidation.Low, rules[0].Priority)

	s.Apply("quotes", nil, true)
	assert.Empty(t, engine.Rules())
	assert.Empty(t, s.Keys())
}

func TestSyncer_ListValue(t *testing.T) {
	engine := newEngine(t)
	s := New(newFakeKV(), engine)

	s.Apply("suppliers", []byte(`[
		{"trigger":{"table":"supplier_rfqs"},"targets":[{"type":"entity"}]},
		{"id":"supplier-quotes","trigger":{"table":"supplier_quotes"},"targets":[{"type":"entity"}]}
	]`), false)
	assert.ElementsMatch(t, []string{"suppliers-1", "supplier-quotes"}, ruleIDs(engine))

	// Rules dropped from the value are removed.
	s.Apply("suppliers", []byte(`[{"id":"supplier-quotes","trigger":{"table":"supplier_quotes"},"targets":[{"type":"entity"}]}]`), false)
	assert.Equal(t, []string{"supplier-quotes"}, ruleIDs(engine))
	assert.Equal(t, []string{"suppliers"}, s.Keys())
}

func TestSyncer_InvalidValueKeepsPreviousRules(t *testing.T) {
	engine := newEngine(t)
	s := New(newFakeKV(), engine)

	s.Apply("quotes", []byte(quotesRule), false)
	s.Apply("quotes", []byte(`{"trigger":{"table":"quotes"},"targets":[]}`), false)
	s.Apply("quotes", []byte(`{not json`), false)
	assert.Equal(t, []string{"quotes"}, ruleIDs(engine))

	// Deleting a key that never held rules is harmless.
	s.Apply("unknown", nil, true)
	assert.Equal(t, []string{"quotes"}, ruleIDs(engine))
}

func TestSyncer_Run(t *testing.T) {
	engine := newEngine(t)
	kv := newFakeKV()
	s := New(kv, engine)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	kv.watcher.updates <- entry{key: "quotes", value: []byte(quotesRule), op: jetstream.KeyValuePut, rev: 1}
	kv.watcher.updates <- nil

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("syncer never became ready")
	}
	assert.Equal(t, []string{"quotes"}, ruleIDs(engine))

	kv.watcher.updates <- entry{key: "quotes", op: jetstream.KeyValueDelete, rev: 2}
	require.Eventually(t, func() bool { return len(engine.Rules()) == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	select {
	case <-kv.watcher.stopped:
	default:
		t.Fatal("watcher not stopped")
	}
}

func TestSyncer_RunWatcherClosed(t *testing.T) {
	kv := newFakeKV()
	s := New(kv, newEngine(t))
	close(kv.watcher.updates)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
}

func TestSyncer_RunWatchError(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.ErrNoConnection
	err := New(kv, newEngine(t)).Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
}

func TestPutRule(t *testing.T) {
	kv := newFakeKV()
	rule := invalidation.Rule{
		ID:      "quotes",
		Trigger: invalidation.Trigger{Table: "quotes"},
		Targets: []invalidation.Target{{Kind: invalidation.EntityTarget}},
	}
	require.NoError(t, PutRule(context.Background(), kv, rule))

	var stored map[string]any
	require.NoError(t, json.Unmarshal(kv.puts["quotes"], &stored))
	assert.Equal(t, "immediate", stored["strategy"])

	// What PutRule writes is what the syncer accepts.
	engine := newEngine(t)
	New(kv, engine).Apply("quotes", kv.puts["quotes"], false)
	assert.Equal(t, []string{"quotes"}, ruleIDs(engine))

	err := PutRule(context.Background(), kv, invalidation.Rule{Trigger: invalidation.Trigger{Table: "quotes"}})
	assert.True(t, errors.IsInvalid(err))
}
