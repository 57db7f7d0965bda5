package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the coherency layer.
const Namespace = "rfqsync"

// Metrics contains layer-wide metrics that are not owned by a single component
type Metrics struct {
	ComponentHealth *prometheus.GaugeVec
	ErrorsTotal     *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter

	// Data source breaker state (0=closed, 1=half-open, 2=open)
	DataSourceBreaker *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ComponentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		DataSourceBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "datasource",
				Name:      "circuit_breaker",
				Help:      "Data source circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}
}

func (c *Metrics) mustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		c.ComponentHealth,
		c.ErrorsTotal,
		c.NATSConnected,
		c.NATSReconnects,
		c.DataSourceBreaker,
	)
}

// RecordHealth updates the health gauge for a component
func (c *Metrics) RecordHealth(component string, healthy, degraded bool) {
	value := 0.0
	switch {
	case healthy:
		value = 2.0
	case degraded:
		value = 1.0
	}
	c.ComponentHealth.WithLabelValues(component).Set(value)
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordBreakerState updates the circuit breaker gauge
func (c *Metrics) RecordBreakerState(name string, state int) {
	c.DataSourceBreaker.WithLabelValues(name).Set(float64(state))
}
