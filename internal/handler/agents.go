package handler

import (
	"net/http"

	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/router"
)

// AgentHandler handles agent presence endpoints.
type AgentHandler struct {
	router *router.Router
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(rt *router.Router) *AgentHandler {
	return &AgentHandler{router: rt}
}

// AgentsResponse lists known agents.
type AgentsResponse struct {
	Agents []model.AgentPresence `json:"agents"`
}

// SetPresence handles POST /api/v1/agents/presence
func (h *AgentHandler) SetPresence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agent := middleware.GetUserID(ctx)
	if err := middleware.ValidateAgentID(agent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.PresenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var p model.AgentPresence
	if req.Online {
		p = h.router.SetOnline(ctx, agent)
	} else {
		p = h.router.SetOffline(ctx, agent)
	}
	writeJSON(w, http.StatusOK, p)
}

// List handles GET /api/v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &AgentsResponse{Agents: h.router.Agents()})
}
