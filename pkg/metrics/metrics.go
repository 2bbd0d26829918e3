// Package metrics holds the Prometheus instruments shared across the relay.
// All collectors are registered with the global registry, so importing this
// package is enough to expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meshrelay"

var (
	RadioState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "radio_state",
			Help:      "Connection state of the active radio (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 shutting down).",
		})

	ReconnectAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Cumulative number of radio reconnect attempts.",
		})

	HealthCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_failures_total",
			Help:      "Cumulative number of failed radio health probes.",
		})

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of outbound messages waiting to be sent.",
		})

	QueueSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_sent_total",
			Help:      "Cumulative number of messages sent to the radio.",
		})

	QueueFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Cumulative number of messages dropped after a send failure.",
		})

	QueueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Cumulative number of messages refused at enqueue.",
		}, []string{"reason"})

	InboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Cumulative number of messages received from the radio.",
		}, []string{"backend"})

	DuplicateMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_total",
			Help:      "Cumulative number of inbound messages dropped as duplicates.",
		})

	GatewayClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_clients",
			Help:      "Number of chat adapters connected to the gateway.",
		})
)

func init() {
	prometheus.MustRegister(
		RadioState,
		ReconnectAttemptsTotal,
		HealthCheckFailuresTotal,
		QueueDepth,
		QueueSentTotal,
		QueueFailedTotal,
		QueueRejectedTotal,
		InboundMessagesTotal,
		DuplicateMessagesTotal,
		GatewayClients,
	)
}
