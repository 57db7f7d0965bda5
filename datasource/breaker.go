package datasource

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tongvtdan/apillis-mfg-sub009/errors"
	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

// BreakerConfig configures the circuit breaker around a DataSource.
type BreakerConfig struct {
	Name             string        `json:"name" yaml:"name"`
	MaxRequests      uint32        `json:"max_requests" yaml:"max_requests"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold"`
	MinRequests      uint32        `json:"min_requests" yaml:"min_requests"`
}

// DefaultBreakerConfig returns the breaker settings used for the backend.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker decorates a DataSource with a circuit breaker. An open breaker
// fails fast with errors.ErrCircuitOpen, which the query cache treats as transient.
type Breaker struct {
	next    DataSource
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *metric.Metrics
}

// NewBreaker wraps next. metrics may be nil.
func NewBreaker(next DataSource, cfg BreakerConfig, metrics *metric.Metrics) *Breaker {
	b := &Breaker{
		next:    next,
		logger:  slog.Default().With("component", "datasource-breaker", "breaker", cfg.Name),
		metrics: metrics,
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			if b.metrics != nil {
				b.metrics.RecordBreakerState(name, int(to))
			}
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes and cancellations say nothing about backend health
			return err == nil || errors.IsInvalid(err) ||
				stderrors.Is(err, context.Canceled)
		},
	})

	if metrics != nil {
		metrics.RecordBreakerState(cfg.Name, int(gobreaker.StateClosed))
	}
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Fetch implements DataSource.
func (b *Breaker) Fetch(ctx context.Context, req Request) ([]Row, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Fetch(ctx, req)
	})
	if err != nil {
		return nil, b.translate(err, "Fetch")
	}
	rows, _ := out.([]Row)
	return rows, nil
}

// Mutate implements DataSource.
func (b *Breaker) Mutate(ctx context.Context, m Mutation) (Row, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Mutate(ctx, m)
	})
	if err != nil {
		return nil, b.translate(err, "Mutate")
	}
	row, _ := out.(Row)
	return row, nil
}

func (b *Breaker) translate(err error, method string) error {
	switch err {
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return errors.WrapTransient(errors.ErrCircuitOpen, "datasource", method, err.Error())
	default:
		return err
	}
}
