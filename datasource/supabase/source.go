// Package supabase implements datasource.DataSource over Supabase PostgREST.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/supabase-community/postgrest-go"
	supa "github.com/supabase-community/supabase-go"

	"github.com/tongvtdan/apillis-mfg-sub009/datasource"
	"github.com/tongvtdan/apillis-mfg-sub009/errors"
)

// Config holds the project URL and API key.
type Config struct {
	URL    string `json:"url" yaml:"url"`
	APIKey string `json:"api_key" yaml:"api_key"`
	// IDColumn is the primary key column used by update and delete. Defaults to "id".
	IDColumn string `json:"id_column,omitempty" yaml:"id_column,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "supabase", "Validate", "url is required")
	}
	if c.APIKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "supabase", "Validate", "api_key is required")
	}
	return nil
}

// Source talks to the PostgREST endpoint of a Supabase project.
type Source struct {
	client   *supa.Client
	idColumn string
	logger   *slog.Logger
}

// New creates a Source.
func New(cfg Config) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := supa.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, errors.WrapFatal(err, "supabase", "New", "create client")
	}

	idColumn := cfg.IDColumn
	if idColumn == "" {
		idColumn = "id"
	}

	return &Source{
		client:   client,
		idColumn: idColumn,
		logger:   slog.Default().With("component", "supabase-source"),
	}, nil
}

// Fetch selects the rows of req.Entity matching every filter by equality.
func (s *Source) Fetch(ctx context.Context, req datasource.Request) ([]datasource.Row, error) {
	if req.Entity == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "supabase", "Fetch", "entity is required")
	}

	columns := "*"
	if len(req.Columns) > 0 {
		columns = strings.Join(req.Columns, ",")
	}

	query := s.client.From(req.Entity).Select(columns, "", false)

	// Sorted so the generated URL is stable
	keys := make([]string, 0, len(req.Filters))
	for k := range req.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := req.Filters[k]
		if v == nil {
			query = query.Is(k, "null")
			continue
		}
		query = query.Eq(k, fmt.Sprint(v))
	}

	if p := req.Page; p != nil {
		if p.OrderBy != "" {
			query = query.Order(p.OrderBy, &postgrest.OrderOpts{Ascending: !p.Descending})
		}
		if p.Limit > 0 {
			query = query.Range(p.Offset, p.Offset+p.Limit-1, "")
		}
	}

	body, err := execute(ctx, query)
	if err != nil {
		s.logger.Debug("Fetch failed", "table", req.Entity, "error", err)
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrFetchFailed, err),
			"supabase", "Fetch", fmt.Sprintf("select from %s", req.Entity))
	}

	var rows []datasource.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"supabase", "Fetch", "decode rows")
	}
	return rows, nil
}

// Mutate performs an insert, update or delete and returns the affected row.
func (s *Source) Mutate(ctx context.Context, m datasource.Mutation) (datasource.Row, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	table := s.client.From(m.Entity)

	var query *postgrest.FilterBuilder
	switch m.Kind {
	case datasource.Create:
		query = table.Insert(m.Payload, false, "", "representation", "")
	case datasource.Update:
		query = table.Update(m.Payload, "representation", "").Eq(s.idColumn, m.ID)
	case datasource.Delete:
		query = table.Delete("representation", "").Eq(s.idColumn, m.ID)
	}

	body, err := execute(ctx, query)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrMutateFailed, err),
			"supabase", "Mutate", fmt.Sprintf("%s on %s", m.Kind, m.Entity))
	}

	var rows []datasource.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"supabase", "Mutate", "decode rows")
	}
	if len(rows) == 0 {
		if m.Kind == datasource.Delete {
			return datasource.Row{s.idColumn: m.ID}, nil
		}
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "supabase", "Mutate",
			fmt.Sprintf("no row returned for %s on %s", m.Kind, m.Entity))
	}
	return rows[0], nil
}

// execute runs the request and abandons it when ctx ends first.
// postgrest-go has no context support, so the goroutine finishes on its own.
func execute(ctx context.Context, query *postgrest.FilterBuilder) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, _, err := query.Execute()
		done <- result{body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.body, r.err
	}
}
