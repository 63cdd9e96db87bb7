// Package metrics provides Prometheus instrumentation for the chat service.
// It exposes gauges for connections and online users, counters for message
// and delivery outcomes, and histograms for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a registered connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users present in the registry",
	})

	// AuthTotal counts authentication attempts by result: "ok", "rejected",
	// "timeout" or "error".
	AuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_total",
		Help: "Connection authentication attempts",
	}, []string{"result"})

	// MessagesTotal counts inbound payloads by outcome: "persisted",
	// "malformed", "rate_limited" or "store_error".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Inbound chat payloads by outcome",
	}, []string{"outcome"})

	// DeliveriesTotal counts push attempts by mode ("unicast", "broadcast")
	// and result ("delivered", "offline", "failed").
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_deliveries_total",
		Help: "Delivery attempts to live connections",
	}, []string{"mode", "result"})

	// Displacements counts connections closed because the same user
	// registered a newer one.
	Displacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_displaced_connections_total",
		Help: "Connections superseded by a newer connection of the same user",
	})

	// StoreLatency records history store call latency in seconds.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_store_latency_seconds",
		Help:    "History store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		AuthTotal,
		MessagesTotal,
		DeliveriesTotal,
		Displacements,
		StoreLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
