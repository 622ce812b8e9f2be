// Package main is the entry point for the live chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/livechat-sync/internal/bus"
	"github.com/capitalize-ai/livechat-sync/internal/config"
	"github.com/capitalize-ai/livechat-sync/internal/handler"
	"github.com/capitalize-ai/livechat-sync/internal/llm"
	natsclient "github.com/capitalize-ai/livechat-sync/internal/nats"
	"github.com/capitalize-ai/livechat-sync/internal/presence"
	"github.com/capitalize-ai/livechat-sync/internal/responder"
	"github.com/capitalize-ai/livechat-sync/internal/router"
	"github.com/capitalize-ai/livechat-sync/internal/session"
	"github.com/capitalize-ai/livechat-sync/internal/store"
	"github.com/capitalize-ai/livechat-sync/pkg/logger"
	"github.com/capitalize-ai/livechat-sync/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log = log.With(zap.String("instance", cfg.InstanceID))
	log.Info("starting live chat gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "livechat-sync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Thread store, durable when a database path is configured
	storeOpts := []store.Option{store.WithLogger(log)}
	var persister *store.SQLitePersister
	if cfg.DatabasePath != "" {
		persister, err = store.NewSQLitePersister(cfg.DatabasePath)
		if err != nil {
			log.Fatal("failed to open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
		}
		defer persister.Close()
		storeOpts = append(storeOpts, store.WithPersister(persister, cfg.PersistTimeout))
	}
	threads := store.New(storeOpts...)
	if persister != nil {
		n, err := threads.Load(ctx)
		if err != nil {
			log.Fatal("failed to load threads", zap.Error(err))
		}
		log.Info("threads restored", zap.Int("count", n))
	}

	// Event bus
	eventBus := bus.New(
		bus.WithQueueSize(cfg.SubscriberQueueSize),
		bus.WithOrigin(cfg.InstanceID),
		bus.WithLogger(log),
	)
	defer eventBus.Close()

	// Cross-instance relay, thread calls and audit stream
	var (
		natsPinger handler.Pinger
		auditLog   handler.AuditLog
		threadRPC  *natsclient.ThreadRPC
	)
	if cfg.NATSEnabled {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     "livechat-" + cfg.InstanceID,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		natsPinger = natsClient

		var audit *natsclient.AuditStream
		if cfg.NATSAudit {
			audit = natsclient.NewAuditStream(natsClient, log)
			if err := audit.EnsureStream(ctx); err != nil {
				log.Fatal("failed to ensure audit stream", zap.Error(err))
			}
			auditLog = audit
			go audit.Run(ctx)
		}

		relay := natsclient.NewRelay(natsClient.Conn(), eventBus, eventBus.Origin(), audit, log)
		if err := relay.Start(); err != nil {
			log.Fatal("failed to start relay", zap.Error(err))
		}
		defer relay.Stop()
		eventBus.SetRelay(relay)

		threadRPC = natsclient.NewThreadRPC(natsClient.Conn(), cfg.NATSRPCTimeout, log)
	}

	// Automated responder
	coordOpts := []session.Option{session.WithLogger(log)}
	if resp := newResponder(cfg, log); resp != nil {
		coordOpts = append(coordOpts, session.WithResponder(resp))
	}
	if threadRPC != nil {
		coordOpts = append(coordOpts, session.WithRemote(threadRPC))
	}

	sessions := session.New(threads, eventBus, session.Config{
		ResponderTimeout: cfg.ResponderTimeout,
	}, coordOpts...)
	if threadRPC != nil {
		if err := threadRPC.Serve(sessions); err != nil {
			log.Fatal("failed to serve thread calls", zap.Error(err))
		}
		defer threadRPC.Stop()
	}

	agentRouter := router.New(sessions, eventBus, presence.New(), log)
	go func() {
		if err := agentRouter.Run(ctx); err != nil {
			log.Error("agent router stopped", zap.Error(err))
		}
	}()

	// Create HTTP server
	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.Deps{
			Sessions:          sessions,
			Bus:               eventBus,
			Router:            agentRouter,
			Audit:             auditLog,
			NATS:              natsPinger,
			InstanceID:        cfg.InstanceID,
			JWTSecret:         cfg.JWTSecret,
			Greeting:          cfg.Greeting,
			HeartbeatInterval: cfg.HeartbeatInterval,
			RequestTimeout:    cfg.ServerWriteTimeout,
			AllowedOrigins:    cfg.AllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
			Logger:            log,
		}),
		ReadTimeout: cfg.ServerReadTimeout,
		// Live connections outlive any write timeout; they are bounded per frame.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// newResponder builds the automated responder from configuration. It returns nil
// when no provider is configured, which routes every question to a human agent.
func newResponder(cfg *config.Config, log *logger.Logger) responder.Responder {
	var apiKey string
	switch llm.Provider(cfg.DefaultLLM) {
	case llm.ProviderAnthropic:
		apiKey = cfg.AnthropicAPIKey
	case llm.ProviderOpenAI:
		apiKey = cfg.OpenAIAPIKey
	default:
		log.Info("automated responder disabled")
		return nil
	}
	if apiKey == "" {
		log.Warn("no API key for LLM provider, automated responder disabled", zap.String("provider", cfg.DefaultLLM))
		return nil
	}

	client, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), apiKey)
	if err != nil {
		log.Warn("failed to create LLM client, automated responder disabled", zap.Error(err))
		return nil
	}

	opts := []responder.Option{responder.WithLogger(log)}
	if cfg.LLMModel != "" {
		opts = append(opts, responder.WithModel(cfg.LLMModel))
	}
	log.Info("automated responder enabled", zap.String("provider", client.Name()))
	return responder.NewLLM(client, opts...)
}
