// Package metrics provides the instruments the engine records and the registries
// that export them.
//
// Two registries are supported:
//   - Scrape mode (long-running scheduler): metrics live in a Prometheus registry
//     and are served over HTTP.
//   - Push mode (one-shot runs): samples are buffered and flushed to a
//     VictoriaMetrics/Prometheus remote write endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauge is a metric that represents a single numerical value that can go up and down.
type Gauge interface {
	Set(float64)
	Add(float64)
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	// Add adds the given value to the counter. It panics if the value is negative.
	Add(float64)
}

// GaugeVec is a Gauge with labels.
type GaugeVec interface {
	With(prometheus.Labels) Gauge
}

// CounterVec is a Counter with labels.
type CounterVec interface {
	With(prometheus.Labels) Counter
}

// Registry creates and registers metrics.
// Implementations handle the differences between push and scrape modes.
type Registry interface {
	NewGauge(opts prometheus.GaugeOpts) (Gauge, error)
	NewGaugeVec(opts prometheus.GaugeOpts, labels []string) (GaugeVec, error)
	NewCounter(opts prometheus.CounterOpts) (Counter, error)
	NewCounterVec(opts prometheus.CounterOpts, labels []string) (CounterVec, error)
}
