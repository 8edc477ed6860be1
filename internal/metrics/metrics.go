// Package metrics provides Prometheus collectors for the SMTP receiver and
// the admin HTTP endpoint that serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsTotal counts accepted TCP connections, including those
	// refused at admission.
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total number of accepted TCP connections",
		},
	)

	// SessionsActive tracks sessions currently inside the state machine.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "server",
			Name:      "sessions_active",
			Help:      "Current number of active SMTP sessions",
		},
	)

	// CommandsTotal counts commands by verb.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Total number of SMTP commands received by verb",
		},
		[]string{"verb"},
	)

	// SessionTimeoutsTotal counts sessions ended by a deadline.
	SessionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "session",
			Name:      "timeouts_total",
			Help:      "Total number of sessions closed by a deadline",
		},
	)

	// TLSUpgradesTotal counts successful STARTTLS handshakes.
	TLSUpgradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "session",
			Name:      "tls_upgrades_total",
			Help:      "Total number of successful STARTTLS upgrades",
		},
	)

	// AuthFailuresTotal counts failed AUTH exchanges.
	AuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "session",
			Name:      "auth_failures_total",
			Help:      "Total number of failed authentication attempts",
		},
	)

	// RateLimitedTotal counts MAIL commands refused by the rate limiter.
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "session",
			Name:      "rate_limited_total",
			Help:      "Total number of MAIL commands refused by rate limiting",
		},
	)

	// MessagesQueuedTotal counts committed transactions.
	MessagesQueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "queue",
			Name:      "messages_queued_total",
			Help:      "Total number of messages committed to the queue",
		},
	)

	// MessageBytesTotal counts body octets of committed transactions.
	MessageBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "queue",
			Name:      "message_bytes_total",
			Help:      "Total body octets committed to the queue",
		},
	)

	// QueueDepth tracks queue entries by status, refreshed by the stats
	// poller.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "smtpd",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queue entries by status",
		},
		[]string{"status"},
	)

	// DeliveryAttemptsTotal counts delivery attempts by outcome.
	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smtpd",
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Total delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// DeliveryDuration measures delivery attempt duration in seconds.
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "smtpd",
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Delivery attempt duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)
