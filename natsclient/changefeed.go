package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// DefaultSubjectPrefix prefixes the per-table change subjects.
const DefaultSubjectPrefix = "rfq.changes"

// ChangeFeed carries row changes over NATS, one subject per table.
type ChangeFeed struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewChangeFeed creates a feed publishing and subscribing under prefix.
func NewChangeFeed(client *Client, prefix string) *ChangeFeed {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &ChangeFeed{
		client: client,
		prefix: prefix,
		logger: client.logger.With("feed", prefix),
	}
}

// Subject returns the subject carrying changes of table.
func (f *ChangeFeed) Subject(table string) string {
	return f.prefix + "." + table
}

// Publish sends ch to every instance subscribed to its table.
func (f *ChangeFeed) Publish(ctx context.Context, ch change.Change) error {
	if err := ch.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return errors.WrapInvalid(err, "ChangeFeed", "Publish", "encode change")
	}
	return f.client.Publish(ctx, f.Subject(ch.Table), data)
}

// Open subscribes to the table's subject. The subscription is acknowledged with a
// server round trip before Open returns. Connection loss is reported through fail once.
func (f *ChangeFeed) Open(ctx context.Context, table string, deliver func(change.Change), fail func(error)) (io.Closer, error) {
	subject := f.Subject(table)
	sub, err := f.client.Subscribe(subject, func(msg *nats.Msg) {
		ch, err := DecodeChange(msg.Data, table)
		if err != nil {
			f.logger.Warn("Dropping malformed change", "subject", msg.Subject, "error", err)
			return
		}
		deliver(ch)
	})
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"ChangeFeed", "Open", fmt.Sprintf("subscribe %s", subject))
	}
	if err := f.client.Flush(ctx); err != nil {
		_ = f.client.Unsubscribe(sub)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"ChangeFeed", "Open", fmt.Sprintf("confirm %s", subject))
	}

	ch := &feedChannel{client: f.client, sub: sub}
	ch.removeListener = f.client.OnDisconnect(func(err error) {
		ch.failOnce.Do(func() {
			fail(errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrChannelError, err),
				"ChangeFeed", "Open", fmt.Sprintf("channel %s", subject)))
		})
	})
	f.logger.Debug("Change channel open", "subject", subject)
	return ch, nil
}

type feedChannel struct {
	client         *Client
	sub            *nats.Subscription
	removeListener func()
	failOnce       sync.Once
	closeOnce      sync.Once
}

func (c *feedChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.removeListener()
		// A channel closed locally never reports failure afterwards.
		c.failOnce.Do(func() {})
		err = c.client.Unsubscribe(c.sub)
	})
	return err
}

// DecodeChange parses a published change. An empty table is filled with fallbackTable.
func DecodeChange(data []byte, fallbackTable string) (change.Change, error) {
	var ch change.Change
	if err := json.Unmarshal(data, &ch); err != nil {
		return change.Change{}, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
	}
	if ch.Table == "" {
		ch.Table = fallbackTable
	}
	op, err := change.ParseOperation(string(ch.Operation))
	if err != nil {
		return change.Change{}, err
	}
	ch.Operation = op
	ch.ResolveRecordID()
	if err := ch.Validate(); err != nil {
		return change.Change{}, err
	}
	return ch, nil
}
