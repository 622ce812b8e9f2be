// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ThreadsTotal tracks threads created.
	ThreadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_threads_total",
			Help: "Total threads created",
		},
	)

	// MessagesTotal tracks messages appended by role.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)

	// DuplicateMessagesTotal tracks resends that matched an existing dedup key.
	DuplicateMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_duplicate_messages_total",
			Help: "Message resends absorbed by dedup key",
		},
	)

	// TransitionsTotal tracks thread lifecycle transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_transitions_total",
			Help: "Thread lifecycle transitions",
		},
		[]string{"from", "to"},
	)

	// BusEventsTotal tracks events published on the bus.
	BusEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_bus_events_total",
			Help: "Events published on the bus",
		},
		[]string{"kind"},
	)

	// BusSubscribers tracks connected bus subscribers.
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_bus_subscribers",
			Help: "Connected bus subscribers",
		},
	)

	// BusEvictionsTotal tracks subscribers evicted for falling behind.
	BusEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livechat_bus_evictions_total",
			Help: "Subscribers evicted because their queue overflowed",
		},
	)

	// LiveConnectionsActive tracks open SSE and WebSocket connections.
	LiveConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livechat_live_connections_active",
			Help: "Number of active live connections",
		},
		[]string{"transport"},
	)

	// ResponderDuration tracks responder call latency.
	ResponderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livechat_responder_duration_seconds",
			Help:    "Responder call duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "status"},
	)

	// ClaimsTotal tracks agent claim attempts by result.
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_agent_claims_total",
			Help: "Agent claim attempts",
		},
		[]string{"result"},
	)

	// AgentsOnline tracks agents currently online.
	AgentsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livechat_agents_online",
			Help: "Agents currently online",
		},
	)

	// RelayMessagesTotal tracks events crossing the NATS relay.
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livechat_relay_messages_total",
			Help: "Events forwarded to or received from the relay",
		},
		[]string{"direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordResponder records metrics for a responder call.
func RecordResponder(provider, status string, duration float64) {
	ResponderDuration.WithLabelValues(provider, status).Observe(duration)
}

// RecordTransition records a lifecycle transition.
func RecordTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

// IncrementLiveConnections increments the active connection count.
func IncrementLiveConnections(transport string) {
	LiveConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementLiveConnections decrements the active connection count.
func DecrementLiveConnections(transport string) {
	LiveConnectionsActive.WithLabelValues(transport).Dec()
}
