package realtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tongvtdan/apillis-mfg-sub009/metric"
)

type managerMetrics struct {
	channels    *prometheus.GaugeVec
	subscribers prometheus.Gauge
	deliveries  *prometheus.CounterVec
	retries     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	panics      prometheus.Counter
}

func newManagerMetrics(registry *metric.MetricsRegistry) (*managerMetrics, error) {
	m := &managerMetrics{
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "channels",
			Help:      "Underlying channels by status",
		}, []string{"status"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Registered subscribers",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "deliveries_total",
			Help:      "Changes fanned out, by table",
		}, []string{"table"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "retries_total",
			Help:      "Channel resubscription attempts, by table",
		}, []string{"table"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "terminal_failures_total",
			Help:      "Channels left in error after exhausting retries, by table",
		}, []string{"table"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "realtime",
			Name:      "callback_panics_total",
			Help:      "Subscriber callbacks that panicked",
		}),
	}

	if err := registry.RegisterGaugeVec("realtime", "channels", m.channels); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("realtime", "subscribers", m.subscribers); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "deliveries", m.deliveries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "retries", m.retries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("realtime", "terminal_failures", m.failures); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("realtime", "callback_panics", m.panics); err != nil {
		return nil, err
	}
	return m, nil
}
