package optimistic

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

type coordinatorMetrics struct {
	updates  *prometheus.CounterVec
	pending  prometheus.Gauge
	duration prometheus.Histogram
}

func newCoordinatorMetrics(registry *metric.MetricsRegistry) (*coordinatorMetrics, error) {
	m := &coordinatorMetrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "optimistic",
			Name:      "updates_total",
			Help:      "Finished optimistic updates, by kind and final state",
		}, []string{"kind", "state"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "optimistic",
			Name:      "pending",
			Help:      "Optimistic updates waiting for confirmation",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "optimistic",
			Name:      "confirm_duration_seconds",
			Help:      "Time from speculative apply to confirmation or rollback",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
	}

	if err := registry.RegisterCounterVec("optimistic", "updates", m.updates); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("optimistic", "pending", m.pending); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("optimistic", "confirm_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}
