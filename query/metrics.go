package query

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

// queryMetrics exports the per-query samples to Prometheus.
type queryMetrics struct {
	queries  *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	slow     *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newQueryMetrics(registry *metric.MetricsRegistry) (*queryMetrics, error) {
	m := &queryMetrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Queries served, by entity and where the data came from",
		}, []string{"entity", "source"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query latency in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
		}, []string{"entity"}),
		slow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "query",
			Name:      "slow_total",
			Help:      "Queries slower than the configured threshold",
		}, []string{"entity"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "query",
			Name:      "fetch_failures_total",
			Help:      "Data source failures, by whether cached data was served instead",
		}, []string{"entity", "fallback"}),
	}

	if err := registry.RegisterCounterVec("query", "queries", m.queries); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("query", "latency", m.latency); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("query", "slow", m.slow); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("query", "failures", m.failures); err != nil {
		return nil, err
	}
	return m, nil
}
