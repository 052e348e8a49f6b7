// Package observability provides Prometheus metrics and structured logging
// for the gateway lifecycle manager.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the connection-lifecycle metrics exposed on /metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ConnectionsActive.Inc()
//	metrics.CloseCodes.WithLabelValues("transient").Inc()
type Metrics struct {
	// ConnectionsActive tracks currently connected tenant sessions.
	ConnectionsActive prometheus.Gauge

	// ConnectAttempts counts connect calls by outcome (ok|rejected|error).
	ConnectAttempts *prometheus.CounterVec

	// ReconnectsScheduled counts backoff timers armed.
	ReconnectsScheduled prometheus.Counter

	// CloseCodes counts connection closes by classification
	// (transient|credentials|terminal).
	CloseCodes *prometheus.CounterVec

	// MessagesTotal counts messages by direction (inbound|outbound).
	MessagesTotal *prometheus.CounterVec

	// QRGenerated counts QR tokens rendered for pairing.
	QRGenerated prometheus.Counter

	// StatusTransitions counts registry status transitions by new status.
	StatusTransitions *prometheus.CounterVec

	// SendDuration measures outbound send latency in seconds.
	SendDuration prometheus.Histogram
}

// NewMetrics registers the metric set with the default Prometheus registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set with a specific registerer.
// Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wagateway_connections_active",
			Help: "Number of tenant sessions currently connected",
		}),
		ConnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wagateway_connect_attempts_total",
			Help: "Connect calls by outcome",
		}, []string{"outcome"}),
		ReconnectsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "wagateway_reconnects_scheduled_total",
			Help: "Reconnect backoff timers armed",
		}),
		CloseCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wagateway_connection_closes_total",
			Help: "Connection closes by classification",
		}, []string{"class"}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wagateway_messages_total",
			Help: "Messages processed by direction",
		}, []string{"direction"}),
		QRGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "wagateway_qr_generated_total",
			Help: "QR pairing tokens rendered",
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wagateway_status_transitions_total",
			Help: "Registry status transitions by new status",
		}, []string{"status"}),
		SendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wagateway_send_duration_seconds",
			Help:    "Outbound send latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
