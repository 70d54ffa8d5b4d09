// Package metrics provides Prometheus metrics for watchdog sessions.
package metrics

import (
	"net/http"

	"github.com/mikaelmello/pingwatch/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "pingwatch"
)

// Metrics contains the Prometheus metrics of the watchdog.
type Metrics struct {
	registry *prometheus.Registry

	RequestsSent prometheus.Counter
	Results      *prometheus.CounterVec
	RoundTrip    prometheus.Histogram
	Up           prometheus.Gauge
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_requests_total",
			Help:      "Total number of echo requests handed to the transport",
		}),
		Results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total results reported by outcome",
		}, []string{"outcome"}),
		RoundTrip: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_trip_seconds",
			Help:      "Histogram of echo round trip times in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		Up: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destination_up",
			Help:      "1 when the last result was a success, 0 after a timeout",
		}),
	}
}

// Observe records a session result. It has the signature of a core.ResultHandler.
func (m *Metrics) Observe(_ *core.Session, r *core.Result) {
	m.Results.WithLabelValues(r.Outcome.String()).Inc()

	switch r.Outcome {
	case core.Success:
		m.RoundTrip.Observe(r.RoundTrip.Seconds())
		m.Up.Set(1)
	case core.Timeout:
		m.Up.Set(0)
	}
}

// ObserveSend records an echo request leaving the session. It has the signature of a
// core.SendHandler.
func (m *Metrics) ObserveSend(_ *core.Session, _ uint16) {
	m.RequestsSent.Inc()
}

// Handler serves the metrics of the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
