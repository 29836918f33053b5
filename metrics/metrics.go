// Package metrics exposes the license server's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "licensesrv"

// Metrics holds every collector of one server instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	accepted  prometheus.Counter
	removed   *prometheus.CounterVec
	active    prometheus.Gauge
	bytesIn   prometheus.Counter
	bytesOut  prometheus.Counter
	requests  *prometheus.CounterVec
	latencies *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
//
// Parameters:
//   - reg: The registerer, e.g. prometheus.NewRegistry()
//
// Returns:
//   - The registered Metrics
//   - An error if a collector with the same name is already registered
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted by the listener.",
		}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_removed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently open.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Application bytes received from closed connections.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Application bytes sent to closed connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests handled, by action and result code.",
		}, []string{"action", "result"}),
		latencies: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a request, by action.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"action"}),
	}

	for _, c := range []prometheus.Collector{m.accepted, m.removed, m.active, m.bytesIn, m.bytesOut, m.requests, m.latencies} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ConnectionAccepted counts a new connection.
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}

	m.accepted.Inc()
}

// ConnectionRemoved counts a closed connection and its lifetime traffic.
func (m *Metrics) ConnectionRemoved(reason string, received, sent uint64) {
	if m == nil {
		return
	}

	m.removed.WithLabelValues(reason).Inc()
	m.bytesIn.Add(float64(received))
	m.bytesOut.Add(float64(sent))
}

// SetActive sets the open connection gauge.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}

	m.active.Set(float64(n))
}

// ObserveRequest implements dispatcher.Recorder.
func (m *Metrics) ObserveRequest(action, result string, elapsed time.Duration) {
	if m == nil {
		return
	}

	if action == "" {
		action = "none"
	}

	m.requests.WithLabelValues(action, result).Inc()
	m.latencies.WithLabelValues(action).Observe(elapsed.Seconds())
}

// Handler serves the metrics of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
