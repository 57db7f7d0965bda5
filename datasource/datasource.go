// Package datasource defines the authoritative data backend consumed by the query cache
// and the optimistic coordinator, plus a circuit-breaking decorator for it.
package datasource

import (
	"context"
	"fmt"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Row is one record as returned by the backend.
type Row = map[string]any

// Pagination selects a window of rows. Zero Limit means no window.
type Pagination struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	OrderBy    string `json:"order_by,omitempty"`
	Descending bool   `json:"descending,omitempty"`
}

// Request asks the backend for the rows of one entity.
type Request struct {
	Entity  string
	Filters map[string]any
	// Profile is the field-selection profile name; Columns is its resolved projection.
	Profile string
	Columns []string
	Page    *Pagination
}

// MutationKind is the kind of write sent to the backend.
type MutationKind string

const (
	Create MutationKind = "create"
	Update MutationKind = "update"
	Delete MutationKind = "delete"
)

// Mutation is a single-row write.
type Mutation struct {
	Kind    MutationKind
	Entity  string
	ID      string
	Payload Row
}

// Validate checks the mutation is well formed for its kind.
func (m Mutation) Validate() error {
	if m.Entity == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "datasource", "Validate", "entity is required")
	}
	switch m.Kind {
	case Create:
	case Update, Delete:
		if m.ID == "" {
			return errors.WrapInvalid(errors.ErrInvalidData, "datasource", "Validate",
				fmt.Sprintf("%s requires an id", m.Kind))
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "datasource", "Validate",
			fmt.Sprintf("unknown mutation kind %q", m.Kind))
	}
	return nil
}

// DataSource is the authoritative backend.
type DataSource interface {
	Fetch(ctx context.Context, req Request) ([]Row, error)
	Mutate(ctx context.Context, m Mutation) (Row, error)
}

// Funcs adapts plain functions to DataSource. Nil functions fail with ErrNoConnection.
type Funcs struct {
	FetchFunc  func(ctx context.Context, req Request) ([]Row, error)
	MutateFunc func(ctx context.Context, m Mutation) (Row, error)
}

// Fetch implements DataSource.
func (f Funcs) Fetch(ctx context.Context, req Request) ([]Row, error) {
	if f.FetchFunc == nil {
		return nil, errors.ErrNoConnection
	}
	return f.FetchFunc(ctx, req)
}

// Mutate implements DataSource.
func (f Funcs) Mutate(ctx context.Context, m Mutation) (Row, error) {
	if f.MutateFunc == nil {
		return nil, errors.ErrNoConnection
	}
	return f.MutateFunc(ctx, m)
}
