package handler

import (
	"net/http"

	"github.com/capitalize-ai/livechat-sync/internal/model"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	IsConnected() bool
}

// TopicCounter reports how many subscribers follow a bus topic.
type TopicCounter interface {
	SubscriberCount(topic string) int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient Pinger
	pool       TopicCounter
	instanceID string
}

// NewHealthHandler creates a new health handler. natsClient is nil when the
// relay is disabled. pool, when set, must show a consumer of the agent pool
// before the instance reports ready.
func NewHealthHandler(natsClient Pinger, pool TopicCounter, instanceID string) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		pool:       pool,
		instanceID: instanceID,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "healthy",
		"instance": h.instanceID,
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	// Check NATS connection
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if h.pool != nil && h.pool.SubscriberCount(model.AgentPoolTopic) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "agent router not running",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
