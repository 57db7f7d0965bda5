package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/retry"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithName("rfqsync-test"), WithToken("secret"))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())

	_, err = NewClient("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewClient_InvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  ClientOption
	}{
		{"zero timeout", WithTimeout(0)},
		{"negative reconnect wait", WithReconnectWait(-time.Second)},
		{"bad retry", WithConnectRetry(retry.Config{MaxAttempts: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient("nats://localhost:4222", tt.opt)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Subscribe("rfq.changes.projects", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Publish(ctx, "rfq.changes.projects", []byte("{}")), ErrNotConnected)
	assert.ErrorIs(t, c.Flush(ctx), ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.KeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "rules"})
	assert.ErrorIs(t, err, ErrNotConnected)

	feed := NewChangeFeed(c, "")
	_, err = feed.Open(ctx, "projects", func(change.Change) {}, func(error) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
}

func TestClient_ConnectFailure(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(100*time.Millisecond),
		WithConnectRetry(retry.Config{MaxAttempts: 1}),
		WithMetrics(reg.CoreMetrics()),
	)
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, float64(0), testutil.ToFloat64(reg.CoreMetrics().NATSConnected))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.ErrorIs(t, c.Connect(context.Background()), errors.ErrAlreadyStopped)
}

func TestClient_ListenersCanBeRemoved(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	removeA := c.OnDisconnect(func(error) {})
	_ = c.OnDisconnect(func(error) {})
	removeR := c.OnReconnect(func() {})
	assert.Len(t, c.disconnectListeners, 2)
	assert.Len(t, c.reconnectListeners, 1)

	removeA()
	removeR()
	assert.Len(t, c.disconnectListeners, 1)
	assert.Empty(t, c.reconnectListeners)
}

func TestChangeFeed_Subject(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "rfq.changes.projects", NewChangeFeed(c, "").Subject("projects"))
	assert.Equal(t, "tenant-a.contacts", NewChangeFeed(c, "tenant-a").Subject("contacts"))
}

func TestDecodeChange(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		ch, err := DecodeChange([]byte(`{"table":"projects","operation":"update",
			"new_data":{"id":"p-1","current_stage_id":"s2"},"old_data":{"id":"p-1","current_stage_id":"s1"}}`), "ignored")
		require.NoError(t, err)
		assert.Equal(t, "projects", ch.Table)
		assert.Equal(t, change.Update, ch.Operation)
		assert.Equal(t, "p-1", ch.RecordID)
		assert.Equal(t, "s1", ch.OldData["current_stage_id"])
	})

	t.Run("table from subject", func(t *testing.T) {
		ch, err := DecodeChange([]byte(`{"operation":"DELETE","old_data":{"id":7}}`), "contacts")
		require.NoError(t, err)
		assert.Equal(t, "contacts", ch.Table)
		assert.Equal(t, "7", ch.RecordID)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodeChange([]byte(`{"table":`), "projects")
		assert.ErrorIs(t, err, errors.ErrParsingFailed)
	})

	t.Run("wildcard operation rejected", func(t *testing.T) {
		_, err := DecodeChange([]byte(`{"table":"projects","operation":"*"}`), "projects")
		assert.ErrorIs(t, err, errors.ErrInvalidData)
	})

	t.Run("unknown operation", func(t *testing.T) {
		_, err := DecodeChange([]byte(`{"table":"projects","operation":"TRUNCATE"}`), "projects")
		assert.ErrorIs(t, err, errors.ErrInvalidData)
	})
}

func TestIsKVNotFoundError(t *testing.T) {
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(errors.New("timeout")))
}
