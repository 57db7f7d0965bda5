// Package natsclient manages the NATS connection used to fan change notifications out
// between instances and to store invalidation rules in JetStream KV.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
	"github.com/tongvtdan/apillis-mfg-sub009/pkg/retry"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = stderrors.New("not connected to NATS")

// Client manages one NATS connection.
type Client struct {
	url    string
	status atomic.Int32
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs map[*nats.Subscription]struct{}

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	connectRetry  retry.Config

	username   string
	password   string
	token      string
	clientName string

	metrics *metric.Metrics

	listenerSeq         uint64
	disconnectListeners map[uint64]func(error)
	reconnectListeners  map[uint64]func()

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient creates a client for url. Connect must be called before use.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Client", "NewClient", "url is required")
	}

	c := &Client{
		url:                 url,
		logger:              slog.Default().With("component", "nats"),
		subs:                make(map[*nats.Subscription]struct{}),
		maxReconnects:       -1,
		reconnectWait:       2 * time.Second,
		pingInterval:        30 * time.Second,
		timeout:             5 * time.Second,
		drainTimeout:        10 * time.Second,
		connectRetry:        retry.Quick(),
		disconnectListeners: make(map[uint64]func(error)),
		reconnectListeners:  make(map[uint64]func()),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.setStatus(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(s == StatusConnected)
	}
}

// IsHealthy returns true if the connection is up.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server, retrying with the configured backoff until ctx is done
// or the attempts are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.ErrAlreadyStopped
	}
	c.setStatus(StatusConnecting)

	attempt := 0
	err := retry.Do(ctx, c.connectRetry, func() error {
		attempt++
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			c.logger.Warn("NATS connect failed", "attempt", attempt, "error", err)
			return err
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return retry.NonRetryable(err)
		}

		c.mu.Lock()
		c.conn = conn
		c.js = js
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err), "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "attempts", attempt)
	return nil
}

// Close drains the connection. Calling Close more than once is a no-op.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.subs = make(map[*nats.Subscription]struct{})
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	defer c.setStatus(StatusDisconnected)
	if conn == nil {
		return nil
	}

	drainTimeout := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
			drainTimeout = remaining
		}
	}

	done := make(chan error, 1)
	go func() { done <- conn.Drain() }()

	var err error
	select {
	case drainErr := <-done:
		if drainErr != nil {
			err = errors.Wrap(drainErr, "Client", "Close", "drain connection")
		}
	case <-time.After(drainTimeout):
		err = errors.WrapTransient(fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain")
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "drain")
	}
	conn.Close()
	return err
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	return conn, nil
}

// Subscribe registers handler for subject. The subscription is drained on Close.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", fmt.Sprintf("subscribe %s", subject))
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription created by Subscribe.
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) &&
		!stderrors.Is(err, nats.ErrBadSubscription) {
		return errors.Wrap(err, "Client", "Unsubscribe", "unsubscribe")
	}
	return nil
}

// Flush round-trips to the server, confirming earlier subscriptions are registered.
func (c *Client) Flush(ctx context.Context) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush")
	}
	return nil
}

// Publish publishes a message to a NATS subject
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", fmt.Sprintf("publish %s", subject))
	}
	return nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// KeyValueBucket returns the bucket named in cfg, creating it when missing.
func (c *Client) KeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	bucket, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return bucket, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapTransient(err, "Client", "KeyValueBucket", fmt.Sprintf("open bucket %s", cfg.Bucket))
	}

	bucket, err = js.CreateKeyValue(ctx, cfg)
	if err != nil {
		if isAlreadyExistsError(err) {
			// Another instance created it between the two calls.
			return js.KeyValue(ctx, cfg.Bucket)
		}
		return nil, errors.WrapTransient(err, "Client", "KeyValueBucket", fmt.Sprintf("create bucket %s", cfg.Bucket))
	}
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

// OnDisconnect registers fn for connection loss and returns a function removing it.
func (c *Client) OnDisconnect(fn func(error)) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.disconnectListeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.disconnectListeners, id)
		c.mu.Unlock()
	}
}

// OnReconnect registers fn for reconnection and returns a function removing it.
func (c *Client) OnReconnect(fn func()) (remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listenerSeq++
	id := c.listenerSeq
	c.reconnectListeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.reconnectListeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	if err == nil {
		err = errors.ErrConnectionLost
	}
	c.logger.Warn("NATS disconnected", "error", err)

	c.mu.RLock()
	listeners := make([]func(error), 0, len(c.disconnectListeners))
	for _, fn := range c.disconnectListeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()
	for _, fn := range listeners {
		go fn(err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("NATS reconnected")

	c.mu.RLock()
	listeners := make([]func(), 0, len(c.reconnectListeners))
	for _, fn := range c.reconnectListeners {
		listeners = append(listeners, fn)
	}
	c.mu.RUnlock()
	for _, fn := range listeners {
		go fn()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS error", "subject", subject, "error", err)
}

// isAlreadyExistsError checks if an error indicates a KV bucket already exists
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
