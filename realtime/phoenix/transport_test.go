package phoenix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/realtime"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

var _ realtime.Transport = (*Transport)(nil)

// fakeRealtime answers joins, leaves and heartbeats like the Supabase Realtime server.
type fakeRealtime struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	conn        *websocket.Conn
	joins       []joinPayload
	leaves      []string
	connections int
	heartbeats  atomic.Int32
	query       string
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	f := &fakeRealtime{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/realtime/v1/websocket"
}

func (f *fakeRealtime) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.connections++
	f.query = r.URL.RawQuery
	f.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case eventJoin:
			var p joinPayload
			_ = json.Unmarshal(msg.Payload, &p)
			f.mu.Lock()
			f.joins = append(f.joins, p)
			f.mu.Unlock()
			table := p.Config.PostgresChanges[0].Table
			switch table {
			case "silent":
			case "forbidden":
				f.reply(msg, "error", map[string]string{"reason": "unauthorized table"})
			default:
				f.reply(msg, "ok", map[string]any{"postgres_changes": []map[string]any{{"id": 1}}})
			}
		case eventLeave:
			f.mu.Lock()
			f.leaves = append(f.leaves, msg.Topic)
			f.mu.Unlock()
			f.reply(msg, "ok", map[string]any{})
			f.push(msg.Topic, eventClose, map[string]any{})
		case eventHeartbeat:
			f.heartbeats.Add(1)
			f.reply(msg, "ok", map[string]any{})
		}
	}
}

func (f *fakeRealtime) reply(msg Message, status string, response any) {
	f.push(msg.Topic, eventReply, map[string]any{"status": status, "response": response}, msg.Ref)
}

func (f *fakeRealtime) push(topic, event string, payload any, ref ...string) {
	raw, err := json.Marshal(payload)
	require.NoError(f.t, err)
	msg := Message{Topic: topic, Event: event, Payload: raw}
	if len(ref) > 0 {
		msg.Ref = ref[0]
	}
	data, err := json.Marshal(msg)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (f *fakeRealtime) pushRaw(data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (f *fakeRealtime) dropConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.conn.Close()
}

func (f *fakeRealtime) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeRealtime) leftTopics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.leaves...)
}

func newTransport(t *testing.T, f *fakeRealtime, heartbeat time.Duration) *Transport {
	t.Helper()
	tr, err := NewTransport(Config{URL: f.url(), APIKey: "anon-key", AccessToken: "jwt", HeartbeatInterval: heartbeat})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

type changes struct {
	mu  sync.Mutex
	got []change.Change
}

func (c *changes) add(ch change.Change) {
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
}

func (c *changes) snapshot() []change.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]change.Change(nil), c.got...)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://abc.supabase.co", "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
		{"http://localhost:54321/", "ws://localhost:54321/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
		{"wss://abc.supabase.co/realtime/v1/websocket", "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
	}
	for _, tt := range tests {
		got, err := Endpoint(tt.in, "k")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := Endpoint("ftp://abc", "k")
	assert.True(t, errors.IsInvalid(err))
}

func TestNewTransport_Validation(t *testing.T) {
	_, err := NewTransport(Config{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewTransport(Config{URL: "https://abc.supabase.co", HeartbeatInterval: -time.Second})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestTransport_JoinAndDeliver(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	var got changes
	closer, err := tr.Open(context.Background(), "projects", got.add, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	})
	require.NoError(t, err)
	defer closer.Close()

	require.Equal(t, 1, f.joinCount())
	f.mu.Lock()
	join := f.joins[0]
	query := f.query
	f.mu.Unlock()
	assert.Equal(t, "jwt", join.AccessToken)
	assert.Equal(t, postgresChangesFilter{Event: "*", Schema: "public", Table: "projects"}, join.Config.PostgresChanges[0])
	assert.Contains(t, query, "apikey=anon-key")

	f.push(Topic("projects"), eventChanges, map[string]any{
		"ids": []int{1},
		"data": map[string]any{
			"schema":           "public",
			"table":            "projects",
			"commit_timestamp": "2026-03-01T10:00:00.123Z",
			"type":             "UPDATE",
			"record":           map[string]any{"id": "p-1", "current_stage_id": "s2"},
			"old_record":       map[string]any{"id": "p-1", "current_stage_id": "s1"},
		},
	})
	f.push(Topic("contacts"), eventChanges, map[string]any{"data": map[string]any{"type": "INSERT"}})
	f.pushRaw(`{"topic":"realtime:projects","event":"postgres_changes","payload":{"data":{"type":"TRUNCATE"}}}`)
	f.pushRaw(`not json`)
	f.push(Topic("projects"), eventChanges, map[string]any{
		"data": map[string]any{"type": "DELETE", "old_record": map[string]any{"id": "p-2"}},
	})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	all := got.snapshot()
	assert.Equal(t, change.Update, all[0].Operation)
	assert.Equal(t, "p-1", all[0].RecordID)
	assert.Equal(t, "s1", all[0].OldData["current_stage_id"])
	assert.Equal(t, "supabase", all[0].Source)
	assert.Equal(t, 2026, all[0].Timestamp.Year())
	assert.Equal(t, "projects", all[1].Table)
	assert.Equal(t, "p-2", all[1].RecordID)
}

func TestTransport_JoinRejected(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	_, err := tr.Open(context.Background(), "forbidden", func(change.Change) {}, func(error) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
	assert.Contains(t, err.Error(), "unauthorized table")
	assert.True(t, errors.IsTransient(err))
}

func TestTransport_JoinTimeout(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Open(ctx, "silent", func(change.Change) {}, func(error) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransport_ChannelErrorFailsOnce(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	var failures atomic.Int32
	_, err := tr.Open(context.Background(), "projects", func(change.Change) {}, func(err error) {
		assert.ErrorIs(t, err, errors.ErrChannelError)
		failures.Add(1)
	})
	require.NoError(t, err)

	f.push(Topic("projects"), eventSystem, map[string]any{"status": "ok", "message": "subscribed"})
	f.push(Topic("projects"), eventError, map[string]any{})
	f.push(Topic("projects"), eventClose, map[string]any{})

	require.Eventually(t, func() bool { return failures.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())
}

func TestTransport_SystemErrorFails(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	failed := make(chan error, 1)
	_, err := tr.Open(context.Background(), "projects", func(change.Change) {}, func(err error) { failed <- err })
	require.NoError(t, err)

	f.push(Topic("projects"), eventSystem, map[string]any{
		"status": "error", "extension": "postgres_changes", "message": "replication slot missing",
	})
	select {
	case err := <-failed:
		assert.Contains(t, err.Error(), "replication slot missing")
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
}

func TestTransport_ConnectionLossFailsChannelsAndRedials(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	failed := make(chan error, 2)
	for _, table := range []string{"projects", "contacts"} {
		_, err := tr.Open(context.Background(), table, func(change.Change) {}, func(err error) { failed <- err })
		require.NoError(t, err)
	}

	f.dropConnection()
	for i := 0; i < 2; i++ {
		select {
		case err := <-failed:
			assert.ErrorIs(t, err, errors.ErrConnectionLost)
			assert.True(t, errors.IsTransient(err))
		case <-time.After(2 * time.Second):
			t.Fatal("connection loss not reported")
		}
	}

	closer, err := tr.Open(context.Background(), "projects", func(change.Change) {}, func(error) {})
	require.NoError(t, err)
	defer closer.Close()
	f.mu.Lock()
	assert.Equal(t, 2, f.connections)
	f.mu.Unlock()
}

func TestTransport_CloseLeavesWithoutFailing(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 0)

	var failures atomic.Int32
	closer, err := tr.Open(context.Background(), "projects", func(change.Change) {}, func(error) { failures.Add(1) })
	require.NoError(t, err)

	require.NoError(t, closer.Close())
	require.NoError(t, closer.Close())
	require.Eventually(t, func() bool { return len(f.leftTopics()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"realtime:projects"}, f.leftTopics())

	// The socket is shared and stays up for the next table.
	_, err = tr.Open(context.Background(), "contacts", func(change.Change) {}, func(error) {})
	require.NoError(t, err)
	f.mu.Lock()
	assert.Equal(t, 1, f.connections)
	f.mu.Unlock()

	require.NoError(t, tr.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, failures.Load())

	_, err = tr.Open(context.Background(), "projects", func(change.Change) {}, func(error) {})
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestTransport_Heartbeat(t *testing.T) {
	f := newFakeRealtime(t)
	tr := newTransport(t, f, 20*time.Millisecond)

	closer, err := tr.Open(context.Background(), "projects", func(change.Change) {}, func(err error) {
		t.Errorf("unexpected failure: %v", err)
	})
	require.NoError(t, err)
	defer closer.Close()

	require.Eventually(t, func() bool { return f.heartbeats.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestTransport_DialFailure(t *testing.T) {
	f := newFakeRealtime(t)
	url := f.url()
	f.server.Close()

	tr, err := NewTransport(Config{URL: url})
	require.NoError(t, err)
	_, err = tr.Open(context.Background(), "projects", func(change.Change) {}, func(error) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
