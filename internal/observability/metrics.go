package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects chat client counters and latencies.
//
// The set tracks the two delivery paths a session can use (real-time push
// and REST fallback) separately, so a degraded transport is visible in the
// numbers before anyone reads a log line.
type Metrics struct {
	// MessagesSent counts outbound messages by path ("push" or "rest").
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts messages appended to the session list by
	// source ("push", "rest", "history").
	MessagesReceived *prometheus.CounterVec

	// DuplicatesDropped counts pushed messages discarded by id dedup.
	DuplicatesDropped prometheus.Counter

	// ReconnectAttempts counts transport reconnection attempts.
	ReconnectAttempts prometheus.Counter

	// TypingEvents counts typing signals by direction ("sent", "received").
	TypingEvents *prometheus.CounterVec

	// RequestDuration measures REST request latency in seconds.
	// Labels: endpoint (messages|post_message|participants|permission|stats),
	// status (HTTP status code class or "error").
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics set registered against reg. Passing
// prometheus.DefaultRegisterer wires the default /metrics exposition; tests
// pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskchat",
			Name:      "messages_sent_total",
			Help:      "Outbound chat messages by delivery path.",
		}, []string{"path"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskchat",
			Name:      "messages_received_total",
			Help:      "Messages appended to the session list by source.",
		}, []string{"source"}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskchat",
			Name:      "duplicate_messages_dropped_total",
			Help:      "Pushed messages discarded because their id was already present.",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskchat",
			Name:      "reconnect_attempts_total",
			Help:      "Real-time channel reconnection attempts.",
		}),
		TypingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskchat",
			Name:      "typing_events_total",
			Help:      "Typing signals by direction.",
		}, []string{"direction"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskchat",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by endpoint and status.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"endpoint", "status"}),
	}
}

// NopMetrics returns a Metrics set bound to a throwaway registry, for
// callers that do not export metrics.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
