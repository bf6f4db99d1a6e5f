// Package metrics registers the Prometheus instruments of the chat server.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Hub Metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatecho_connections",
			Help: "Current number of live WebSocket connections",
		},
	)

	AuthenticatedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatecho_authenticated_connections",
			Help: "Current number of live connections bound to a user",
		},
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatecho_auth_failures_total",
			Help: "Total number of connections whose token could not be resolved to a user",
		},
	)

	PresenceBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatecho_presence_broadcasts_total",
			Help: "Total number of online-users broadcasts",
		},
	)

	HeartbeatEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatecho_heartbeat_evictions_total",
			Help: "Total number of connections evicted for missing a pong",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatecho_inbound_events_total",
			Help: "Total number of inbound events by type and result",
		},
		[]string{"type", "result"}, // result: "ok", "ignored", "rate_limited", "queue_full", "panic", or an error kind
	)

	DroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatecho_dropped_deliveries_total",
			Help: "Total number of outbound events that could not be queued",
		},
		[]string{"event_type"},
	)

	// HTTP Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatecho_api_requests_total",
			Help: "Total number of REST requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatecho_api_request_duration_seconds",
			Help:    "Duration of REST requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordAPIRequest records one REST request under its route pattern.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
