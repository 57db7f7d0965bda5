// Package phoenix is a realtime transport speaking the Supabase Realtime (Phoenix channel)
// protocol over one multiplexed websocket.
package phoenix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// Config holds the Supabase Realtime connection settings.
type Config struct {
	// URL is the project URL (https://<ref>.supabase.co) or a websocket endpoint.
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"api_key" yaml:"api_key"`
	// AccessToken is sent on join so row level security applies to the user.
	AccessToken       string        `json:"access_token" yaml:"access_token"`
	Schema            string        `json:"schema" yaml:"schema"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HandshakeTimeout  time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// DefaultConfig returns the timings used by the Supabase JavaScript client.
func DefaultConfig() Config {
	return Config{
		Schema:            "public",
		HeartbeatInterval: 25 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

// Endpoint turns a project URL into the realtime websocket URL.
func Endpoint(rawURL, apiKey string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.WrapInvalid(err, "phoenix", "Endpoint", "parse url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "phoenix", "Endpoint",
			fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport joins one Phoenix channel per table. The socket is dialed on the first Open
// and redialed by the next Open after it breaks.
type Transport struct {
	cfg      Config
	endpoint string
	dialer   *websocket.Dialer
	logger   *slog.Logger
	ref      atomic.Uint64

	dialMu sync.Mutex
	mu     sync.Mutex
	sess   *session
	closed bool
}

type session struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	// guarded by Transport.mu
	channels map[string]*channel
	replies  map[string]chan reply
}

func (s *session) finish() bool {
	first := false
	s.doneOnce.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// NewTransport validates cfg and builds the endpoint. No connection is made yet.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	defaults := DefaultConfig()
	if cfg.Schema == "" {
		cfg.Schema = defaults.Schema
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.HeartbeatInterval < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "phoenix", "NewTransport", "heartbeat_interval cannot be negative")
	}
	if cfg.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "phoenix", "NewTransport", "url is required")
	}
	endpoint, err := Endpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:      cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   slog.Default().With("component", "phoenix"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) nextRef() string {
	return strconv.FormatUint(t.ref.Add(1), 10)
}

// Topic returns the channel topic joined for table.
func Topic(table string) string {
	return "realtime:" + table
}

func (t *Transport) session(ctx context.Context) (*session, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.ErrAlreadyStopped
	}
	if t.sess != nil && t.sess.alive() {
		sess := t.sess
		t.mu.Unlock()
		return sess, nil
	}
	t.mu.Unlock()

	conn, _, err := t.dialer.DialContext(ctx, t.endpoint, nil)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, err), "Transport", "session", "dial")
	}
	sess := &session{
		conn:     conn,
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
		replies:  make(map[string]chan reply),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return nil, errors.ErrAlreadyStopped
	}
	t.sess = sess
	t.mu.Unlock()

	go t.readLoop(sess)
	if t.cfg.HeartbeatInterval > 0 {
		go t.heartbeat(sess)
	}
	t.logger.Info("Realtime socket connected")
	return sess, nil
}

func (t *Transport) send(sess *session, topic, event, ref string, payload any) error {
	data, err := encode(topic, event, ref, payload)
	if err != nil {
		return errors.WrapInvalid(err, "Transport", "send", "encode "+event)
	}
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "Transport", "send", event)
	}
	return nil
}

// Open joins the table's channel and waits for the server to acknowledge it.
func (t *Transport) Open(ctx context.Context, table string, deliver func(change.Change), fail func(error)) (io.Closer, error) {
	sess, err := t.session(ctx)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, err), "Transport", "Open", "connect")
	}

	ch := &channel{
		transport: t,
		sess:      sess,
		topic:     Topic(table),
		table:     table,
		deliver:   deliver,
		fail:      fail,
	}
	ref := t.nextRef()
	replies := make(chan reply, 1)

	t.mu.Lock()
	if old := sess.channels[ch.topic]; old != nil {
		old.silence()
	}
	sess.channels[ch.topic] = ch
	sess.replies[ref] = replies
	t.mu.Unlock()

	join := joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]bool{"self": false},
			Presence:        map[string]string{"key": ""},
			PostgresChanges: []postgresChangesFilter{{Event: "*", Schema: t.cfg.Schema, Table: table}},
		},
		AccessToken: t.cfg.AccessToken,
	}
	if err := t.send(sess, ch.topic, eventJoin, ref, join); err != nil {
		t.abandon(ch, ref)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err), "Transport", "Open", "join "+ch.topic)
	}

	var r reply
	select {
	case got, ok := <-replies:
		if !ok {
			t.abandon(ch, ref)
			return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, errors.ErrConnectionLost),
				"Transport", "Open", "join "+ch.topic)
		}
		r = got
	case <-ctx.Done():
		t.abandon(ch, ref)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrSubscriptionFailed, ctx.Err()),
			"Transport", "Open", "join "+ch.topic)
	}
	if r.Status != "ok" {
		t.abandon(ch, ref)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrSubscriptionFailed, r.reason()),
			"Transport", "Open", "join "+ch.topic)
	}

	t.mu.Lock()
	if !sess.alive() || sess.channels[ch.topic] != ch {
		t.mu.Unlock()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, errors.ErrConnectionLost),
			"Transport", "Open", "join "+ch.topic)
	}
	ch.joined = true
	t.mu.Unlock()

	t.logger.Debug("Channel joined", "topic", ch.topic)
	return ch, nil
}

func (t *Transport) abandon(ch *channel, ref string) {
	t.mu.Lock()
	delete(ch.sess.replies, ref)
	if ch.sess.channels[ch.topic] == ch {
		delete(ch.sess.channels, ch.topic)
	}
	t.mu.Unlock()
	ch.silence()
}

func (t *Transport) readLoop(sess *session) {
	var readErr error
	defer func() { t.sessionLost(sess, readErr) }()

	for {
		if t.cfg.HeartbeatInterval > 0 {
			_ = sess.conn.SetReadDeadline(time.Now().Add(2 * t.cfg.HeartbeatInterval))
		}
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}
		t.handle(sess, msg)
	}
}

func (t *Transport) handle(sess *session, msg Message) {
	switch msg.Event {
	case eventReply:
		t.mu.Lock()
		waiter := sess.replies[msg.Ref]
		delete(sess.replies, msg.Ref)
		t.mu.Unlock()
		if waiter == nil {
			return
		}
		var r reply
		if err := json.Unmarshal(msg.Payload, &r); err != nil {
			r = reply{Status: "error", Response: msg.Payload}
		}
		waiter <- r

	case eventChanges:
		ch := t.lookup(sess, msg.Topic)
		if ch == nil {
			return
		}
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.logger.Warn("Dropping malformed change", "topic", msg.Topic, "error", err)
			return
		}
		c, err := p.Data.toChange(ch.table)
		if err != nil {
			t.logger.Warn("Dropping invalid change", "topic", msg.Topic, "error", err)
			return
		}
		ch.deliver(c)

	case eventError, eventClose:
		if ch := t.lookup(sess, msg.Topic); ch != nil {
			t.failChannel(ch, fmt.Errorf("%w: %s", errors.ErrChannelError, msg.Event))
		}

	case eventSystem:
		var p systemPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Status != "error" {
			return
		}
		if ch := t.lookup(sess, msg.Topic); ch != nil {
			t.failChannel(ch, fmt.Errorf("%w: %s", errors.ErrChannelError, p.Message))
		}

	default:
		t.logger.Debug("Ignoring frame", "topic", msg.Topic, "event", msg.Event)
	}
}

func (t *Transport) lookup(sess *session, topic string) *channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sess.channels[topic]
}

func (t *Transport) failChannel(ch *channel, err error) {
	t.mu.Lock()
	if ch.sess.channels[ch.topic] != ch {
		t.mu.Unlock()
		return
	}
	delete(ch.sess.channels, ch.topic)
	joined := ch.joined
	t.mu.Unlock()

	if joined {
		t.logger.Warn("Channel failed", "topic", ch.topic, "error", err)
		ch.reportFailure(errors.WrapTransient(err, "Transport", "handle", ch.topic))
	}
}

func (t *Transport) sessionLost(sess *session, err error) {
	sess.finish()
	_ = sess.conn.Close()

	t.mu.Lock()
	if t.sess == sess {
		t.sess = nil
	}
	var joined []*channel
	for _, ch := range sess.channels {
		if ch.joined {
			joined = append(joined, ch)
		}
	}
	sess.channels = make(map[string]*channel)
	for ref, waiter := range sess.replies {
		close(waiter)
		delete(sess.replies, ref)
	}
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}
	if err == nil {
		err = errors.ErrConnectionLost
	}
	t.logger.Warn("Realtime socket lost", "channels", len(joined), "error", err)
	for _, ch := range joined {
		ch.reportFailure(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
			"Transport", "readLoop", ch.topic))
	}
}

func (t *Transport) heartbeat(sess *session) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if err := t.send(sess, phoenixTopic, eventHeartbeat, t.nextRef(), struct{}{}); err != nil {
				t.logger.Warn("Heartbeat failed", "error", err)
				// The read loop sees the closed socket and reports the loss.
				_ = sess.conn.Close()
				return
			}
		}
	}
}

// Close leaves every channel and closes the socket. Failure callbacks do not run.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sess := t.sess
	t.sess = nil
	var channels []*channel
	if sess != nil {
		for _, ch := range sess.channels {
			channels = append(channels, ch)
		}
		sess.channels = make(map[string]*channel)
	}
	t.mu.Unlock()

	for _, ch := range channels {
		ch.silence()
	}
	if sess == nil {
		return nil
	}

	sess.writeMu.Lock()
	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(t.cfg.WriteTimeout))
	sess.writeMu.Unlock()
	sess.finish()
	return sess.conn.Close()
}

type channel struct {
	transport *Transport
	sess      *session
	topic     string
	table     string
	deliver   func(change.Change)
	fail      func(error)
	// joined is guarded by Transport.mu.
	joined bool
	once   sync.Once
}

func (c *channel) reportFailure(err error) {
	c.once.Do(func() { c.fail(err) })
}

func (c *channel) silence() {
	c.once.Do(func() {})
}

// Close leaves the channel. The socket stays open for other tables.
func (c *channel) Close() error {
	c.silence()
	t := c.transport

	t.mu.Lock()
	owned := c.sess.channels[c.topic] == c
	if owned {
		delete(c.sess.channels, c.topic)
	}
	t.mu.Unlock()

	if !owned || !c.sess.alive() {
		return nil
	}
	if err := t.send(c.sess, c.topic, eventLeave, t.nextRef(), struct{}{}); err != nil {
		return err
	}
	t.logger.Debug("Channel left", "topic", c.topic)
	return nil
}
