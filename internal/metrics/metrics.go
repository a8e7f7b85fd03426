// Package metrics exposes Prometheus collectors for the swap engine and its
// delivery workers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "barter"

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "swap",
		Name:      "transitions_total",
		Help:      "Swap request status transitions.",
	}, []string{"from", "to"})

	sweepItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "items_total",
		Help:      "Rows acted on by sweeps, by sweep and outcome.",
	}, []string{"sweep", "outcome"})

	gatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payment",
		Name:      "gateway_calls_total",
		Help:      "Payment gateway calls, by operation and result.",
	}, []string{"op", "result"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts, by sink and result.",
	}, []string{"sink", "result"})

	outboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "outbox_messages",
		Help:      "Notification outbox rows by status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(transitions, sweepItems, gatewayCalls, deliveries, outboxDepth)
}

// Transition records a swap request status change.
func Transition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// SweepItem records one row handled by a sweep.
func SweepItem(sweep, outcome string) {
	sweepItems.WithLabelValues(sweep, outcome).Inc()
}

// GatewayCall records a payment gateway call outcome.
func GatewayCall(op string, err error) {
	gatewayCalls.WithLabelValues(op, result(err)).Inc()
}

// Delivery records a notification delivery attempt.
func Delivery(sink string, err error) {
	deliveries.WithLabelValues(sink, result(err)).Inc()
}

// OutboxDepth sets the number of outbox rows in a status.
func OutboxDepth(status string, n int) {
	outboxDepth.WithLabelValues(status).Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
