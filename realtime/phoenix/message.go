package phoenix

import (
	"encoding/json"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/types/change"
)

const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	phoenixTopic = "phoenix"
)

// Message is one Phoenix channel frame (serializer 1.0.0).
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

func encode(topic, event, ref string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := Message{Topic: topic, Event: event, Payload: raw, Ref: ref}
	if event == eventJoin {
		msg.JoinRef = ref
	}
	return json.Marshal(msg)
}

type postgresChangesFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinConfig struct {
	Broadcast       map[string]bool         `json:"broadcast"`
	Presence        map[string]string       `json:"presence"`
	PostgresChanges []postgresChangesFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (r reply) reason() string {
	var body struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Response, &body); err == nil {
		if body.Reason != "" {
			return body.Reason
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return string(r.Response)
}

type systemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
}

type changeData struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Type            string         `json:"type"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
}

type changesPayload struct {
	IDs  []int64    `json:"ids"`
	Data changeData `json:"data"`
}

// toChange converts a postgres_changes payload. table fills a missing table name.
func (d changeData) toChange(table string) (change.Change, error) {
	op, err := change.ParseOperation(d.Type)
	if err != nil {
		return change.Change{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, d.CommitTimestamp)
	if err != nil {
		ts = time.Now()
	}
	if d.Table != "" {
		table = d.Table
	}

	c := change.Change{
		Table:     table,
		Operation: op,
		OldData:   d.OldRecord,
		NewData:   d.Record,
		Timestamp: ts,
		Source:    "supabase",
	}
	c.ResolveRecordID()
	if err := c.Validate(); err != nil {
		return change.Change{}, err
	}
	return c, nil
}
