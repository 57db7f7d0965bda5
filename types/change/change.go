// Package change defines the row-level change notification shared by the realtime
// transports, the invalidation engine and the optimistic coordinator.
package change

import (
	"fmt"
	"strings"
	"time"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Operation is the kind of row change.
type Operation string

const (
	Insert Operation = "INSERT"
	Update Operation = "UPDATE"
	Delete Operation = "DELETE"
	// Any matches every operation in rule triggers and topic filters.
	Any Operation = "*"
)

// ParseOperation accepts the operation name in any case.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToUpper(strings.TrimSpace(s))); op {
	case Insert, Update, Delete, Any:
		return op, nil
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidData, "change", "ParseOperation",
			fmt.Sprintf("unknown operation %q", s))
	}
}

// Matches reports whether a filter operation accepts op.
func (o Operation) Matches(op Operation) bool {
	return o == Any || o == "" || o == op
}

// Change describes one row-level insert, update or delete.
type Change struct {
	Table     string         `json:"table"`
	Operation Operation      `json:"operation"`
	RecordID  string         `json:"record_id,omitempty"`
	OldData   map[string]any `json:"old_data,omitempty"`
	NewData   map[string]any `json:"new_data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// Source identifies the producer ("realtime", "optimistic", an instance id).
	Source string `json:"source,omitempty"`
}

// Validate checks the fields every consumer relies on.
func (c Change) Validate() error {
	if c.Table == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "change", "Validate", "table is required")
	}
	switch c.Operation {
	case Insert, Update, Delete:
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "change", "Validate",
			fmt.Sprintf("operation %q is not a concrete operation", c.Operation))
	}
	return nil
}

// OldValue returns a field from the pre-change row.
func (c Change) OldValue(field string) (any, bool) {
	v, ok := c.OldData[field]
	return v, ok
}

// NewValue returns a field from the post-change row.
func (c Change) NewValue(field string) (any, bool) {
	v, ok := c.NewData[field]
	return v, ok
}

// ResolveRecordID fills RecordID from the "id" column of the new or old row when empty.
func (c *Change) ResolveRecordID() {
	if c.RecordID != "" {
		return
	}
	for _, row := range []map[string]any{c.NewData, c.OldData} {
		if id, ok := row["id"]; ok && id != nil {
			c.RecordID = fmt.Sprint(id)
			return
		}
	}
}
