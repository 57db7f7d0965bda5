// Package metric provides the Prometheus registry shared by the coherency layer.
//
// Components register their own collectors through MetricsRegistry under a
// component name, so a second registration of the same name is reported as an
// invalid error instead of panicking:
//
//	reg := metric.NewMetricsRegistry()
//	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "hits_total"})
//	if err := reg.RegisterCounter("query", "hits", hits); err != nil {
//		return err
//	}
//
// Server exposes the registry over HTTP together with /health and an optional
// JSON /status document.
package metric
