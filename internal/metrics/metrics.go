// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and presence counts, counters for message
// throughput and persistence fallbacks, and a histogram for store latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current size of the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users in the presence registry",
	})

	// MessagesTotal counts relayed messages, labeled by delivery outcome:
	// "delivered" (receiver online), "offline" (receiver not connected), or
	// "rejected" (validation or rate-limit failure).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// PersistenceFallbacks counts store calls that fell back to the
	// in-memory backend after a durable-backend error.
	PersistenceFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_persistence_fallbacks_total",
		Help: "Store calls served by the in-memory fallback after a durable backend error",
	})

	// StoreLatency records durable store call latency in seconds.
	StoreLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_store_latency_seconds",
		Help:    "Durable store call latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// DigestJobsTotal counts digest email jobs published, labeled by result.
	DigestJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_digest_jobs_total",
		Help: "Digest email jobs published",
	}, []string{"result"}) // result = "published", "failed"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		PersistenceFallbacks,
		StoreLatency,
		DigestJobsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
