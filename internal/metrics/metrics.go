// Package metrics provides Prometheus instrumentation for the messaging
// server: connection and presence gauges, message throughput and status
// transition counters, and delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks users with at least one live connection on this process.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// MessagesTotal counts send intents by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of send intents processed",
	}, []string{"outcome"}) // outcome = "created", "invalid", "failed"

	// StatusTransitions counts persisted status changes by target status.
	StatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_status_transitions_total",
		Help: "Total number of message status transitions",
	}, []string{"status"})

	// DeliveryLatency records the time from send intent to live push.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_delivery_latency_seconds",
		Help:    "Time from send intent to push on the receiver's connection",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EventsTotal counts inbound WebSocket events by type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_events_total",
		Help: "Total number of client events dispatched",
	}, []string{"type"})

	// RateLimited counts throttled client actions by rule.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_rate_limited_total",
		Help: "Total number of throttled client actions",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		StatusTransitions,
		DeliveryLatency,
		EventsTotal,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
