package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *session.Coordinator
	bus       *bus.Bus
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *session.Coordinator, b *bus.Bus, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{
		sessions:  sessions,
		bus:       b,
		heartbeat: heartbeat,
		logger:    logger.OrGlobal(log).Component("sse"),
	}
}

// Stream handles GET /api/v1/threads/{id}/stream
//
// The thread topic is subscribed before the snapshot is read, so every event
// committed after the snapshot is delivered. Events already reflected in the
// snapshot may arrive again and are dropped by the client's dedup keys.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	if _, err := h.sessions.Snapshot(ctx, id); err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	kind := bus.KindCustomer
	if middleware.IsAgent(ctx) {
		kind = bus.KindAgent
	}
	sub := h.bus.Connect("sse-"+uuid.NewString(), kind)
	defer h.bus.Disconnect(sub.ID())
	if err := h.bus.Subscribe(sub.ID(), model.ThreadTopic(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}

	snapshot, err := h.sessions.Snapshot(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Track active connection
	metrics.IncrementLiveConnections("sse")
	defer metrics.DecrementLiveConnections("sse")

	if err := sendSSEEvent(w, flusher, model.FrameSnapshot, "", snapshot); err != nil {
		return
	}

	deliveries := make(chan bus.Delivery)
	pumpErr := make(chan error, 1)
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			d, err := sub.Next(pumpCtx)
			if err != nil {
				pumpErr <- err
				return
			}
			select {
			case deliveries <- d:
			case <-pumpCtx.Done():
				return
			}
		}
	}()

	// Start heartbeat ticker for keeping connection alive
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", logger.ThreadID(id))
			return

		case d := <-deliveries:
			if err := sendSSEEvent(w, flusher, string(d.Event.Kind), d.Event.ID, d.Event); err != nil {
				return
			}

		case err := <-pumpErr:
			if errors.Is(err, bus.ErrSubscriberEvicted) {
				h.logger.Warn("SSE subscriber evicted", logger.ThreadID(id))
				sendSSEEvent(w, flusher, model.FrameEvicted, "", &model.ErrorEvent{
					Code:    "evicted",
					Message: err.Error(),
				})
			}
			return

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", "", &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			}); err != nil {
				h.logger.Debug("SSE heartbeat failed", logger.ThreadID(id), zap.Error(err))
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event, id string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
