package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/middleware"
	"github.com/capitalize-ai/livechat-sync/internal/router"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Sessions *session.Coordinator
	Bus      *bus.Bus
	Router   *router.Router
	Audit    AuditLog
	NATS     Pinger

	InstanceID        string
	JWTSecret         string
	Greeting          string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Logger *logger.Logger
}

// NewRouter wires every endpoint onto a chi router.
func NewRouter(d Deps) http.Handler {
	log := logger.OrGlobal(d.Logger)

	var pool TopicCounter
	if d.Bus != nil {
		pool = d.Bus
	}
	healthHandler := NewHealthHandler(d.NATS, pool, d.InstanceID)
	threadHandler := NewThreadHandler(d.Sessions, d.Router, d.Audit, d.Greeting, log)
	agentHandler := NewAgentHandler(d.Router)
	streamHandler := NewStreamHandler(d.Sessions, d.Bus, d.HeartbeatInterval, log)
	liveHandler := NewLiveHandler(d.Sessions, d.Bus, d.Router, d.HeartbeatInterval, d.AllowedOrigins, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.AllowedOrigins...))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(d.JWTSecret))
		if d.RateLimitRequests > 0 {
			r.Use(middleware.UserRateLimit(d.RateLimitRequests, d.RateLimitWindow))
		}

		timeout := func(h http.Handler) http.Handler { return h }
		if d.RequestTimeout > 0 {
			timeout = chimiddleware.Timeout(d.RequestTimeout)
		}

		// Live connections are bounded per frame rather than per request.
		r.Get("/live", liveHandler.ServeHTTP)

		r.Route("/threads", func(r chi.Router) {
			r.With(timeout).Post("/", threadHandler.Create)
			r.With(timeout).Get("/", threadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/stream", streamHandler.Stream)

				r.Group(func(r chi.Router) {
					r.Use(timeout)
					r.Get("/", threadHandler.Get)
					r.Post("/messages", threadHandler.PostMessage)
					r.Post("/ask", threadHandler.Ask)
					r.Post("/agent", threadHandler.RequestAgent)
					r.Post("/reopen", threadHandler.Reopen)

					// Agent-only
					r.Group(func(r chi.Router) {
						r.Use(middleware.RequireScope(middleware.ScopeAgent))
						r.Post("/resolve", threadHandler.Resolve)
						r.Post("/claim", threadHandler.Claim)
						r.Post("/leave", threadHandler.Leave)
						r.Get("/audit", threadHandler.Audit)
					})
				})
			})
		})

		r.Route("/agents", func(r chi.Router) {
			r.Use(middleware.RequireScope(middleware.ScopeAgent), timeout)
			r.Get("/", agentHandler.List)
			r.Post("/presence", agentHandler.SetPresence)
		})
	})

	return r
}
