// Package metrics holds the Prometheus collectors for ingestion. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tracklink"

type Metrics struct {
	// listener
	connections    prometheus.Counter
	activeConns    prometheus.Gauge
	payloadBytes   prometheus.Histogram
	appended       *prometheus.CounterVec // by source: listener / poller
	appendFailures *prometheus.CounterVec // by source
	emptyPayloads  prometheus.Counter

	// poller
	receiveErrors *prometheus.CounterVec // by transport

	// pipeline
	rows        *prometheus.CounterVec // by outcome: processed / unresolved / parse_error / retry
	rowDuration prometheus.Histogram
	drains      prometheus.Counter
}

// New creates and registers the collectors. A nil registerer disables
// metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener",
			Name: "connections_total", Help: "Accepted device connections",
		}),
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "listener",
			Name: "connections_active", Help: "Connections currently being served",
		}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "listener",
			Name: "payload_bytes", Help: "Size of received payloads",
			Buckets: []float64{16, 32, 64, 128, 256, 512, 1024},
		}),
		appended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rawstore",
			Name: "appended_total", Help: "Raw messages written",
		}, []string{"source"}),
		appendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rawstore",
			Name: "append_failures_total", Help: "Raw messages lost because the store write failed",
		}, []string{"source"}),
		emptyPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "listener",
			Name: "empty_payloads_total", Help: "Connections closed without a payload",
		}),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller",
			Name: "receive_errors_total", Help: "Handler connect/receive failures",
		}, []string{"transport"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name: "rows_total", Help: "Raw messages handled by the pipeline, by outcome",
		}, []string{"outcome"}),
		rowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name: "row_duration_seconds", Help: "Time to handle one raw message",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name: "drains_total", Help: "Non-empty drain passes",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.connections, m.activeConns, m.payloadBytes, m.appended, m.appendFailures,
		m.emptyPayloads, m.receiveErrors, m.rows, m.rowDuration, m.drains,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.activeConns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *Metrics) EmptyPayload() {
	if m == nil {
		return
	}
	m.emptyPayloads.Inc()
}

func (m *Metrics) Appended(source string, size int) {
	if m == nil {
		return
	}
	m.appended.WithLabelValues(source).Inc()
	m.payloadBytes.Observe(float64(size))
}

func (m *Metrics) AppendFailed(source string) {
	if m == nil {
		return
	}
	m.appendFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) ReceiveError(transport string) {
	if m == nil {
		return
	}
	m.receiveErrors.WithLabelValues(transport).Inc()
}

// Row records one pipeline outcome.
func (m *Metrics) Row(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.rows.WithLabelValues(outcome).Inc()
	m.rowDuration.Observe(took.Seconds())
}

func (m *Metrics) Drain() {
	if m == nil {
		return
	}
	m.drains.Inc()
}
