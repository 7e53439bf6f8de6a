// Package metrics defines the Prometheus instruments exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "minichat_ws_sessions_active",
		Help: "Number of live websocket sessions.",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_sent_total",
		Help: "Direct messages accepted and persisted.",
	})

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_delivered_total",
		Help: "Direct messages pushed to an online receiver.",
	})

	MessagesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_messages_read_total",
		Help: "Direct messages acknowledged as read.",
	})

	GroupMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_group_messages_sent_total",
		Help: "Group messages accepted and persisted.",
	})

	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "minichat_decrypt_failures_total",
		Help: "Stored envelopes that failed to open and were redacted.",
	})
)
