package coherence

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/optimistic"
	"github.com/tongvtdan/apillis-mfg-sub009/query"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

type feedChannel struct {
	deliver func(change.Change)
	closed  atomic.Bool
}

func (c *feedChannel) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	channels map[string]*feedChannel
}

func (f *fakeTransport) Open(_ context.Context, table string, deliver func(change.Change), _ func(error)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channels == nil {
		f.channels = make(map[string]*feedChannel)
	}
	ch := &feedChannel{deliver: deliver}
	f.channels[table] = ch
	return ch, nil
}

func (f *fakeTransport) channel(table string) *feedChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[table]
}

type backend struct {
	fetches atomic.Int32
	mutate  func(datasource.Mutation) (datasource.Row, error)
}

func (b *backend) source() datasource.DataSource {
	return datasource.Funcs{
		FetchFunc: func(_ context.Context, req datasource.Request) ([]datasource.Row, error) {
			n := b.fetches.Add(1)
			return []datasource.Row{{"id": "p-1", "title": fmt.Sprintf("%s v%d", req.Entity, n)}}, nil
		},
		MutateFunc: func(_ context.Context, m datasource.Mutation) (datasource.Row, error) {
			if b.mutate != nil {
				return b.mutate(m)
			}
			row := datasource.Row{"id": m.ID}
			for k, v := range m.Payload {
				row[k] = v
			}
			return row, nil
		},
	}
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []change.Change
}

func (p *recordingPublisher) Publish(_ context.Context, ch change.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, ch)
	return nil
}

func (p *recordingPublisher) published() []change.Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]change.Change(nil), p.changes...)
}

type harness struct {
	layer     *Layer
	backend   *backend
	transport *fakeTransport
	publisher *recordingPublisher
	state     *optimistic.MemoryState
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		backend:   &backend{},
		transport: &fakeTransport{},
		publisher: &recordingPublisher{},
		state:     optimistic.NewMemoryState(),
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	layer, err := New(context.Background(), cfg, Dependencies{
		Source:    h.backend.source(),
		Transport: h.transport,
		State:     h.state,
		Publisher: h.publisher,
		Metrics:   metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = layer.Close() })
	h.layer = layer
	return h
}

func (h *harness) queryProjects(t *testing.T) query.Result {
	t.Helper()
	res, err := h.layer.Query(context.Background(), "projects", map[string]any{"status": "active"}, query.DefaultOptions())
	require.NoError(t, err)
	return res
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig(), Dependencies{Transport: &fakeTransport{}})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(context.Background(), DefaultConfig(), Dependencies{Source: (&backend{}).source()})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := DefaultConfig()
	cfg.Query.MaxSlowQueries = 0
	_, err = New(context.Background(), cfg, Dependencies{Source: (&backend{}).source(), Transport: &fakeTransport{}})
	assert.True(t, errors.IsInvalid(err))
}

func TestLayer_QueryIsCached(t *testing.T) {
	h := newHarness(t, nil)

	first := h.queryProjects(t)
	assert.False(t, first.FromCache)
	second := h.queryProjects(t)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, int32(1), h.backend.fetches.Load())
}

func TestLayer_RealtimeChangeInvalidatesBeforeCallbacks(t *testing.T) {
	h := newHarness(t, nil)
	h.queryProjects(t)

	type observed struct {
		change  change.Change
		entries int
	}
	got := make(chan observed, 1)
	_, err := h.layer.Subscribe("dashboard", realtime.Topic{Table: "projects"}, func(c change.Change) {
		got <- observed{change: c, entries: len(h.layer.Queries().Store().Keys())}
	})
	require.NoError(t, err)

	h.layer.SetAuthenticationStatus(true, "user-1")
	require.Eventually(t, func() bool { return h.transport.channel("projects") != nil }, 2*time.Second, 5*time.Millisecond)

	h.transport.channel("projects").deliver(change.Change{
		Table:     "projects",
		Operation: change.Update,
		NewData:   map[string]any{"id": "p-1", "status": "active"},
	})

	select {
	case o := <-got:
		assert.Equal(t, "p-1", o.change.RecordID)
		assert.Zero(t, o.entries, "cache must be invalidated before subscribers run")
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	res := h.queryProjects(t)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), h.backend.fetches.Load())

	history := h.layer.Engine().InvalidationHistory()
	require.NotEmpty(t, history)
	assert.Contains(t, history[len(history)-1].AppliedRules, "projects-write")
}

func TestLayer_MutateConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.queryProjects(t)

	res := h.layer.Mutate(context.Background(), datasource.Mutation{
		Kind:    datasource.Update,
		Entity:  "projects",
		ID:      "p-1",
		Payload: datasource.Row{"title": "Bracket RFQ"},
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, optimistic.Confirmed, res.State)
	assert.Equal(t, datasource.Row{"id": "p-1", "title": "Bracket RFQ"}, res.Data)

	value, ok := h.state.Snapshot("projects", "p-1")
	require.True(t, ok)
	assert.Equal(t, datasource.Row{"id": "p-1", "title": "Bracket RFQ"}, value)

	assert.Empty(t, h.layer.Queries().Store().Keys(), "confirmation invalidates cached project queries")

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, "projects", published[0].Table)
	assert.Equal(t, change.Update, published[0].Operation)
	assert.Equal(t, "p-1", published[0].RecordID)
	assert.Equal(t, SourceLocal, published[0].Source)
}

func TestLayer_MutateCreateUsesBackendID(t *testing.T) {
	h := newHarness(t, nil)
	h.backend.mutate = func(m datasource.Mutation) (datasource.Row, error) {
		return datasource.Row{"id": "c-42", "company_name": m.Payload["company_name"]}, nil
	}

	res := h.layer.Mutate(context.Background(), datasource.Mutation{
		Kind:    datasource.Create,
		Entity:  "contacts",
		Payload: datasource.Row{"company_name": "Acme Machining"},
	})
	require.True(t, res.Success, res.Error)
	assert.NotEmpty(t, res.ID)

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, change.Insert, published[0].Operation)
	assert.Equal(t, "c-42", published[0].RecordID)
}

func TestLayer_MutateRollsBack(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Breaker = nil })
	h.state.Apply("projects", "p-1", datasource.Row{"id": "p-1", "title": "Original"})
	h.queryProjects(t)
	h.backend.mutate = func(datasource.Mutation) (datasource.Row, error) {
		return nil, errors.ErrNoConnection
	}

	res := h.layer.Mutate(context.Background(), datasource.Mutation{
		Kind:    datasource.Update,
		Entity:  "projects",
		ID:      "p-1",
		Payload: datasource.Row{"title": "Changed"},
	})
	assert.False(t, res.Success)
	assert.Equal(t, optimistic.RolledBack, res.State)
	assert.ErrorIs(t, res.Err, errors.ErrMutateFailed)
	assert.ErrorIs(t, res.Err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(res.Err))

	value, _ := h.state.Snapshot("projects", "p-1")
	assert.Equal(t, datasource.Row{"id": "p-1", "title": "Original"}, value)
	assert.Empty(t, h.publisher.published())
	assert.Len(t, h.layer.Queries().Store().Keys(), 1, "a failed mutation leaves the cache alone")
}

func TestLayer_MutateValidation(t *testing.T) {
	h := newHarness(t, nil)

	res := h.layer.Mutate(context.Background(), datasource.Mutation{Kind: "upsert", Entity: "projects", ID: "p-1"})
	assert.False(t, res.Success)
	assert.True(t, errors.IsInvalid(res.Err))

	res = h.layer.Mutate(context.Background(), datasource.Mutation{Kind: datasource.Update, Entity: "projects"})
	assert.False(t, res.Success)
	assert.True(t, errors.IsInvalid(res.Err))
	assert.Empty(t, h.layer.Updates().Recent(), "rejected mutations never reach the coordinator")
}

func TestLayer_LogoutClearsCache(t *testing.T) {
	h := newHarness(t, nil)
	h.layer.SetAuthenticationStatus(true, "user-1")
	h.queryProjects(t)
	require.Len(t, h.layer.Queries().Store().Keys(), 1)

	// Same user again keeps the cache.
	h.layer.SetAuthenticationStatus(true, "user-1")
	assert.Len(t, h.layer.Queries().Store().Keys(), 1)

	h.layer.SetAuthenticationStatus(false, "")
	assert.Empty(t, h.layer.Queries().Store().Keys())
	assert.False(t, h.layer.Status().IsAuthenticated)
}

func TestLayer_Status(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.backend.mutate = func(m datasource.Mutation) (datasource.Row, error) {
		<-release
		return datasource.Row{"id": m.ID}, nil
	}
	h.queryProjects(t)
	h.queryProjects(t)

	_, err := h.layer.Subscribe("rfq-board", realtime.Topic{Table: "supplier_rfqs", Priority: realtime.PriorityHigh}, func(change.Change) {})
	require.NoError(t, err)
	h.layer.SetAuthenticationStatus(true, "user-7")

	done := make(chan optimistic.Result, 1)
	go func() {
		done <- h.layer.Mutate(context.Background(), datasource.Mutation{Kind: datasource.Delete, Entity: "supplier_rfqs", ID: "r-9"})
	}()
	require.Eventually(t, func() bool { return len(h.layer.Updates().Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)

	status := h.layer.Status()
	assert.True(t, status.IsAuthenticated)
	assert.Equal(t, "user-7", status.UserID)
	require.Len(t, status.Subscriptions, 1)
	assert.Equal(t, "rfq-board", status.Subscriptions[0].ID)
	require.Len(t, status.OptimisticUpdates, 1)
	assert.Equal(t, "r-9", status.OptimisticUpdates[0].ID)
	require.NotNil(t, status.CacheStatus)
	assert.Equal(t, 1, status.CacheStatus.Entries)
	assert.Equal(t, int64(2), status.CacheStatus.Queries.TotalQueries)
	assert.Equal(t, int64(1), status.CacheStatus.Queries.CacheHits)

	close(release)
	res := <-done
	require.True(t, res.Success, res.Error)

	published := h.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, change.Delete, published[0].Operation)
	assert.Equal(t, "r-9", published[0].RecordID)
}

func TestLayer_Close(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.layer.Subscribe("s", realtime.Topic{Table: "projects"}, func(change.Change) {})
	require.NoError(t, err)
	h.layer.SetAuthenticationStatus(true, "user-1")
	require.Eventually(t, func() bool { return h.transport.channel("projects") != nil }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.layer.Close())
	assert.True(t, h.transport.channel("projects").closed.Load())
	assert.ErrorIs(t, h.layer.Close(), errors.ErrAlreadyStopped)
}
