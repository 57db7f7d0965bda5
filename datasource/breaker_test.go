package datasource

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

func failingSource(calls *int) Funcs {
	return Funcs{
		FetchFunc: func(context.Context, Request) ([]Row, error) {
			*calls++
			return nil, stderrors.New("backend unavailable")
		},
	}
}

func TestBreaker_PassesThrough(t *testing.T) {
	src := Funcs{
		FetchFunc: func(_ context.Context, req Request) ([]Row, error) {
			return []Row{{"id": "p1", "entity": req.Entity}}, nil
		},
		MutateFunc: func(_ context.Context, m Mutation) (Row, error) {
			return Row{"id": m.ID}, nil
		},
	}
	b := NewBreaker(src, DefaultBreakerConfig("test"), nil)

	rows, err := b.Fetch(context.Background(), Request{Entity: "projects"})
	require.NoError(t, err)
	assert.Equal(t, []Row{{"id": "p1", "entity": "projects"}}, rows)

	row, err := b.Mutate(context.Background(), Mutation{Kind: Update, Entity: "projects", ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, Row{"id": "p1"}, row)
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	calls := 0
	reg := metric.NewMetricsRegistry()
	cfg := BreakerConfig{
		Name:             "supabase",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 0.5,
		MinRequests:      3,
	}
	b := NewBreaker(failingSource(&calls), cfg, reg.CoreMetrics())

	for i := 0; i < 3; i++ {
		_, err := b.Fetch(context.Background(), Request{Entity: "projects"})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Fetch(context.Background(), Request{Entity: "projects"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCircuitOpen))
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 3, calls, "open breaker must not reach the backend")

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.CoreMetrics().DataSourceBreaker.WithLabelValues("supabase")))
}

func TestBreaker_InvalidErrorsDoNotTrip(t *testing.T) {
	src := Funcs{
		MutateFunc: func(context.Context, Mutation) (Row, error) {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "test", "Mutate", "bad payload")
		},
	}
	cfg := DefaultBreakerConfig("test")
	cfg.MinRequests = 1
	b := NewBreaker(src, cfg, nil)

	for i := 0; i < 10; i++ {
		_, err := b.Mutate(context.Background(), Mutation{Kind: Create, Entity: "projects"})
		assert.True(t, errors.IsInvalid(err))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestMutation_Validate(t *testing.T) {
	assert.NoError(t, Mutation{Kind: Create, Entity: "projects"}.Validate())
	assert.NoError(t, Mutation{Kind: Delete, Entity: "projects", ID: "1"}.Validate())
	assert.Error(t, Mutation{Kind: Update, Entity: "projects"}.Validate())
	assert.Error(t, Mutation{Kind: "upsert", Entity: "projects"}.Validate())
	assert.Error(t, Mutation{Kind: Create}.Validate())
}

func TestFuncs_NilFunctions(t *testing.T) {
	_, err := Funcs{}.Fetch(context.Background(), Request{})
	assert.ErrorIs(t, err, errors.ErrNoConnection)

	_, err = Funcs{}.Mutate(context.Background(), Mutation{})
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
