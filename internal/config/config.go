// Package config provides environment configuration for the gateway.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	InstanceID         string
	AllowedOrigins     []string

	// NATS settings
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSAudit    bool

	// NATSRPCTimeout bounds a call to the instance owning a thread.
	NATSRPCTimeout time.Duration

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// LLM settings
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	DefaultLLM       string
	LLMModel         string
	ResponderTimeout time.Duration
	Greeting         string

	// Storage
	DatabasePath   string
	PersistTimeout time.Duration

	// Live delivery
	SubscriberQueueSize int
	HeartbeatInterval   time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables, after loading a .env
// file from the working directory when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		InstanceID:         getEnv("INSTANCE_ID", uuid.NewString()),
		AllowedOrigins:     getListEnv("CORS_ALLOWED_ORIGINS"),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSAudit:    getBoolEnv("NATS_AUDIT_ENABLED", false),

		NATSRPCTimeout: getDurationEnv("NATS_RPC_TIMEOUT", time.Second),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 12*time.Hour),

		// LLM
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:       getEnv("DEFAULT_LLM", "anthropic"),
		LLMModel:         getEnv("LLM_MODEL", ""),
		ResponderTimeout: getDurationEnv("RESPONDER_TIMEOUT", 30*time.Second),
		Greeting:         getEnv("GREETING", "Hi! How can I help you today?"),

		// Storage
		DatabasePath:   getEnv("DATABASE_PATH", ""),
		PersistTimeout: getDurationEnv("PERSIST_TIMEOUT", 5*time.Second),

		// Live delivery
		SubscriberQueueSize: getIntEnv("SUBSCRIBER_QUEUE_SIZE", 256),
		HeartbeatInterval:   getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"SERVER_READ_TIMEOUT":  c.ServerReadTimeout,
		"SERVER_WRITE_TIMEOUT": c.ServerWriteTimeout,
		"RESPONDER_TIMEOUT":    c.ResponderTimeout,
		"PERSIST_TIMEOUT":      c.PersistTimeout,
		"HEARTBEAT_INTERVAL":   c.HeartbeatInterval,
		"RATE_LIMIT_WINDOW":    c.RateLimitWindow,
		"JWT_EXPIRATION":       c.JWTExpiration,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}

	if c.SubscriberQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_QUEUE_SIZE must be positive, got %d", c.SubscriberQueueSize))
	}
	if c.RateLimitRequests <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimitRequests))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.DefaultLLM {
	case "anthropic", "openai", "none":
	default:
		errs = append(errs, fmt.Errorf("DEFAULT_LLM must be anthropic, openai or none, got %q", c.DefaultLLM))
	}
	if c.NATSAudit && !c.NATSEnabled {
		errs = append(errs, errors.New("NATS_AUDIT_ENABLED requires NATS_ENABLED"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
