package realtime

import (
	"context"
	"fmt"
	"io"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

// Priority orders delivery among the subscribers of one channel.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium, "":
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Topic selects the changes a subscriber receives.
type Topic struct {
	Table string `json:"table"`
	// Event filters by operation; empty or "*" receives every operation.
	Event    change.Operation `json:"event"`
	Priority Priority         `json:"priority"`
}

func (t Topic) normalize() (Topic, error) {
	if t.Table == "" {
		return t, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Subscribe", "topic table is required")
	}
	if t.Event == "" {
		t.Event = change.Any
	}
	op, err := change.ParseOperation(string(t.Event))
	if err != nil {
		return t, err
	}
	t.Event = op
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Priority.rank() == 0 {
		return t, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Subscribe",
			fmt.Sprintf("unknown priority %q", t.Priority))
	}
	return t, nil
}

// Status is the state of a subscription's channel.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConnected Status = "connected"
	StatusError     Status = "error"
	StatusRetrying  Status = "retrying"
)

// Subscription is a point-in-time view of one registered subscriber.
type Subscription struct {
	ID         string `json:"id"`
	Topic      Topic  `json:"topic"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	ChannelKey string `json:"channel_key"`
	LastError  string `json:"last_error,omitempty"`
}

// Callback receives the changes of a subscribed topic.
type Callback func(change.Change)

// Transport opens one underlying channel per table.
//
// Open returns once the backend acknowledged the channel. deliver is called for every
// change of the table, in order. fail is called at most once, after Open returned, when
// the channel breaks. Closing the returned io.Closer leaves the channel; neither callback
// runs afterwards.
type Transport interface {
	Open(ctx context.Context, table string, deliver func(change.Change), fail func(error)) (io.Closer, error)
}

// ChangeProcessor sees every change before it is fanned out to subscribers.
type ChangeProcessor func(ctx context.Context, ch change.Change)

// ChannelKey names the shared channel of a table.
func ChannelKey(table string) string {
	return "realtime:" + table
}
