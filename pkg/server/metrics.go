package server

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionErrors    *prometheus.CounterVec // by reason
	acceptFailures      prometheus.Counter

	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	handleDuration prometheus.Histogram
}

// NewMetrics registers the server collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "memdb_socket_listen_overflows",
			Help: "Connections dropped by the kernel because an accept queue was full (Linux only)",
		},
		func() float64 { return float64(listenOverflows()) },
	)

	return &Metrics{
		connectionsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "memdb_socket_connections_accepted_total",
				Help: "Total number of connections accepted",
			},
		),
		connectionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memdb_socket_connection_errors_total",
				Help: "Total number of connections whose handler failed, by reason",
			},
			[]string{"reason"},
		),
		acceptFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "memdb_socket_accept_failures_total",
				Help: "Total number of fatal accept failures",
			},
		),
		bytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "memdb_socket_bytes_read_total",
				Help: "Total bytes read from clients",
			},
		),
		bytesWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "memdb_socket_bytes_written_total",
				Help: "Total bytes written to clients",
			},
		),
		handleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "memdb_socket_handle_duration_seconds",
				Help:    "Time spent serving one connection",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordAccepted increments the accepted connection counter
func (m *Metrics) RecordAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
}

// RecordAcceptFailure increments the fatal accept failure counter
func (m *Metrics) RecordAcceptFailure() {
	if m == nil {
		return
	}
	m.acceptFailures.Inc()
}

// RecordHandled records the outcome of one handler call
func (m *Metrics) RecordHandled(d time.Duration, read, written int64, err error) {
	if m == nil {
		return
	}
	m.handleDuration.Observe(d.Seconds())
	m.bytesRead.Add(float64(read))
	m.bytesWritten.Add(float64(written))
	if err != nil {
		m.connectionErrors.WithLabelValues(errorReason(err)).Inc()
	}
}

// errorReason maps a handler error to a low-cardinality label
func errorReason(err error) string {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return "reset"
	default:
		return "other"
	}
}
