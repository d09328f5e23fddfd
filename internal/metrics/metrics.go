// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sysguard_remote_active_sessions",
			Help: "Currently connected remote-control sessions",
		},
	)

	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sysguard_remote_sessions_total",
			Help: "Total sessions accepted since start",
		},
	)

	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sysguard_remote_frames_sent_total",
			Help: "Screen frames sent to clients",
		},
	)

	InputEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysguard_remote_input_events_total",
			Help: "Input events received from clients",
		},
		[]string{"result"}, // "applied" or "unsupported"
	)

	// Auth metrics.
	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sysguard_remote_auth_failures_total",
			Help: "Rejected authentication attempts",
		},
	)

	// Broker metrics.
	BrokerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sysguard_remote_broker_messages_total",
			Help: "Messages accepted onto the internal bus",
		},
		[]string{"type"},
	)
)
