// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Store backend for the task and context collaborators: "nats" or "memory".
	StoreBackend string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings. Identity middleware is only mounted when a secret is set.
	JWTSecret string

	// LLM settings
	LLMProvider      string
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	LLMBaseURL       string
	Model            string
	Temperature      float64
	MaxOutputTokens  int
	MaxContextTokens int

	// Upstream admission (process-wide fixed window)
	UpstreamRateCapacity int
	UpstreamRateWindow   time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Retry
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	// Per-attempt deadline for the upstream call
	UpstreamAttemptTimeout time.Duration

	// Capacity of the event channel between the pipeline and the transport
	StreamBuffer int

	// Per-client HTTP throttle
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Optional YAML policy file overriding detector thresholds and vocabularies
	PolicyFile string

	// Optional YAML file of profiles and tasks loaded into the store at startup
	SeedFile string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		StoreBackend: getEnv("STORE_BACKEND", "nats"),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// LLM
		LLMProvider:      getEnv("LLM_PROVIDER", "anthropic"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		LLMBaseURL:       getEnv("LLM_BASE_URL", ""),
		Model:            getEnv("LLM_MODEL", ""),
		Temperature:      getFloatEnv("LLM_TEMPERATURE", 0.7),
		MaxOutputTokens:  getIntEnv("LLM_MAX_OUTPUT_TOKENS", 1024),
		MaxContextTokens: getIntEnv("LLM_MAX_CONTEXT_TOKENS", 8000),

		// Upstream admission
		UpstreamRateCapacity: getIntEnv("UPSTREAM_RATE_LIMIT_CAPACITY", 50),
		UpstreamRateWindow:   getDurationEnv("UPSTREAM_RATE_LIMIT_WINDOW", time.Minute),

		// Circuit breaker
		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),

		// Retry
		RetryMaxAttempts: getIntEnv("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMultiplier:  getFloatEnv("RETRY_MULTIPLIER", 2.0),
		RetryMaxDelay:    getDurationEnv("RETRY_MAX_DELAY", 8*time.Second),
		RetryJitter:      getFloatEnv("RETRY_JITTER", 0.2),

		UpstreamAttemptTimeout: getDurationEnv("UPSTREAM_ATTEMPT_TIMEOUT", 60*time.Second),
		StreamBuffer:           getIntEnv("STREAM_BUFFER", 16),

		// Per-client throttle
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		PolicyFile: getEnv("POLICY_FILE", ""),
		SeedFile:   getEnv("SEED_FILE", ""),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports configuration values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be nats or memory, got %q", c.StoreBackend))
	}
	if c.UpstreamRateCapacity < 1 {
		errs = append(errs, errors.New("UPSTREAM_RATE_LIMIT_CAPACITY must be at least 1"))
	}
	if c.UpstreamRateWindow <= 0 {
		errs = append(errs, errors.New("UPSTREAM_RATE_LIMIT_WINDOW must be positive"))
	}
	if c.BreakerFailureThreshold < 1 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be at least 1"))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("BREAKER_COOLDOWN must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, errors.New("RETRY_MULTIPLIER must be at least 1"))
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		errs = append(errs, errors.New("RETRY_JITTER must be in [0, 1)"))
	}
	if c.StreamBuffer < 1 {
		errs = append(errs, errors.New("STREAM_BUFFER must be at least 1"))
	}
	if c.MaxContextTokens < 1 {
		errs = append(errs, errors.New("LLM_MAX_CONTEXT_TOKENS must be at least 1"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
