package invalidation

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

type engineMetrics struct {
	events          *prometheus.CounterVec
	ruleMatches     *prometheus.CounterVec
	keysInvalidated *prometheus.CounterVec
	conditionErrors prometheus.Counter
	rules           prometheus.Gauge
	pending         prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	m := &engineMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "events_total",
			Help:      "Data changes processed, by table",
		}, []string{"table"}),
		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "rule_matches_total",
			Help:      "Times each rule matched a change",
		}, []string{"rule_id"}),
		keysInvalidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "keys_invalidated_total",
			Help:      "Cache keys removed, by strategy",
		}, []string{"strategy"}),
		conditionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "condition_errors_total",
			Help:      "Conditions that could not be evaluated and were treated as non-matching",
		}),
		rules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "rules",
			Help:      "Registered invalidation rules",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "invalidation",
			Name:      "pending_targets",
			Help:      "Debounced targets waiting to be applied",
		}),
	}

	if err := registry.RegisterCounterVec("invalidation", "events", m.events); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("invalidation", "rule_matches", m.ruleMatches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("invalidation", "keys_invalidated", m.keysInvalidated); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("invalidation", "condition_errors", m.conditionErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("invalidation", "rules", m.rules); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("invalidation", "pending_targets", m.pending); err != nil {
		return nil, err
	}
	return m, nil
}
