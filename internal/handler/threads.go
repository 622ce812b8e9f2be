package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/model"
	"github.com/capitalize-ai/livechat-sync/internal/router"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

// AuditLog returns recorded lifecycle events for a thread.
type AuditLog interface {
	History(ctx context.Context, threadID string, limit int) ([]model.Event, error)
}

// ThreadHandler handles thread endpoints.
type ThreadHandler struct {
	sessions *session.Coordinator
	router   *router.Router
	audit    AuditLog
	greeting string
	logger   *logger.Logger
}

// NewThreadHandler creates a new thread handler. audit may be nil.
func NewThreadHandler(sessions *session.Coordinator, rt *router.Router, audit AuditLog, greeting string, log *logger.Logger) *ThreadHandler {
	return &ThreadHandler{
		sessions: sessions,
		router:   rt,
		audit:    audit,
		greeting: greeting,
		logger:   logger.OrGlobal(log).Component("handler"),
	}
}

// RequestAgentResponse is the response for an agent request.
type RequestAgentResponse struct {
	Thread  model.ThreadSummary `json:"thread"`
	Changed bool                `json:"changed"`
}

// AuditResponse is the response for a thread's audit history.
type AuditResponse struct {
	Events []model.Event `json:"events"`
}

// threadID reads and validates the {id} path parameter.
func threadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeServiceError(w, model.ErrMissingSelectedChat)
		return "", false
	}
	if err := middleware.ValidateThreadID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

// Create handles POST /api/v1/threads
func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateThreadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.AssignedAgent != "" {
		if !middleware.IsAgent(ctx) {
			writeError(w, http.StatusForbidden, "only agents may create assigned threads")
			return
		}
		if err := middleware.ValidateAgentID(req.AssignedAgent); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	t, err := h.sessions.CreateThread(ctx, session.CreateOptions{
		AssignedAgent: req.AssignedAgent,
		Greeting:      h.greeting,
	})
	if err != nil {
		h.logger.Error("failed to create thread", zap.Error(err))
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// List handles GET /api/v1/threads
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.ThreadFilter{
		Status:        model.Status(q.Get("status")),
		AssignedAgent: q.Get("agent"),
		Limit:         50,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if v := q.Get("reopened"); v != "" {
		filter.Reopened, _ = strconv.ParseBool(v)
	}
	if v := q.Get("agent_required"); v != "" {
		filter.AgentRequired, _ = strconv.ParseBool(v)
	}
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			filter.Limit = parsed
		}
	}

	threads := h.sessions.List(r.Context(), filter)
	writeJSON(w, http.StatusOK, &model.ListThreadsResponse{
		Threads: threads,
		Total:   len(threads),
	})
}

// Get handles GET /api/v1/threads/{id}
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	t, err := h.sessions.Snapshot(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *ThreadHandler) decodePost(w http.ResponseWriter, r *http.Request, role model.Role) (session.Post, bool) {
	var req model.PostMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return session.Post{}, false
	}
	if err := middleware.ValidateMessageContent(req.Content, req.Attachment != nil); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return session.Post{}, false
	}
	if err := middleware.ValidateAttachment(req.Attachment); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return session.Post{}, false
	}
	if err := middleware.ValidateDedupKey(req.DedupKey); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return session.Post{}, false
	}
	return session.Post{
		Role:       role,
		Content:    req.Content,
		Attachment: req.Attachment,
		ClientID:   req.ClientID,
		ClientSeq:  req.ClientSeq,
		DedupKey:   req.DedupKey,
	}, true
}

// PostMessage handles POST /api/v1/threads/{id}/messages
func (h *ThreadHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	role := model.RoleUser
	if middleware.IsAgent(r.Context()) {
		role = model.RoleAgent
	}
	post, ok := h.decodePost(w, r, role)
	if !ok {
		return
	}

	msg, dup, err := h.sessions.PostMessage(r.Context(), id, post)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, status, &model.PostMessageResponse{Message: msg, Duplicate: dup})
}

// Ask handles POST /api/v1/threads/{id}/ask
func (h *ThreadHandler) Ask(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	post, ok := h.decodePost(w, r, model.RoleUser)
	if !ok {
		return
	}

	resp, err := h.sessions.Ask(r.Context(), id, post)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// RequestAgent handles POST /api/v1/threads/{id}/agent
func (h *ThreadHandler) RequestAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	t, changed, err := h.sessions.RequestAgent(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if changed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, &RequestAgentResponse{Thread: t.Summary(), Changed: changed})
}

// Reopen handles POST /api/v1/threads/{id}/reopen
func (h *ThreadHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	t, err := h.sessions.Reopen(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// Resolve handles POST /api/v1/threads/{id}/resolve
func (h *ThreadHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	var req model.ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.sessions.Resolve(r.Context(), id, req.Resolution)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info("thread resolved",
		logger.ThreadID(id),
		logger.AgentID(middleware.GetUserID(r.Context())),
		zap.String("category", req.Category),
	)
	writeJSON(w, http.StatusOK, t)
}

// Claim handles POST /api/v1/threads/{id}/claim
func (h *ThreadHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	resp, err := h.router.Claim(r.Context(), id, middleware.GetUserID(r.Context()))
	switch {
	case errors.Is(err, model.ErrAlreadyAssigned):
		// The loser still joined as an observer.
		writeJSON(w, http.StatusConflict, resp)
		return
	case err != nil:
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Leave handles POST /api/v1/threads/{id}/leave
func (h *ThreadHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id, ok := threadID(w, r)
	if !ok {
		return
	}

	p := h.router.Leave(r.Context(), middleware.GetUserID(r.Context()), id)
	writeJSON(w, http.StatusOK, p)
}

// Audit handles GET /api/v1/threads/{id}/audit
func (h *ThreadHandler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	id, ok := threadID(w, r)
	if !ok {
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	events, err := h.audit.History(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to read audit history", logger.ThreadID(id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}

	writeJSON(w, http.StatusOK, &AuditResponse{Events: events})
}
