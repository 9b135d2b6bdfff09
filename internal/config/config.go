// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	DBPath             string
	MaxRequestBodySize int64
	ConversationTTL    time.Duration
	Gateway            GatewayConfig
	Stream             StreamConfig
	RateLimit          RateLimitConfig
	ConversationLog    ConversationLogConfig
}

// GatewayConfig describes the upstream AI gateway.
type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	ImageModel     string
	PhotoEditModel string
}

// StreamConfig bounds a relayed stream.
type StreamConfig struct {
	IdleTimeout  time.Duration // max wait between upstream reads
	MaxLineBytes int           // max unterminated SSE line kept by the parser
}

// RateLimitConfig controls the per-user relay limiter. RequestsPerWindow <= 0 disables it.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	apiKey := getEnv("AI_GATEWAY_API_KEY", "")
	if apiKey == "" {
		apiKey = getEnv("LOVABLE_API_KEY", "")
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        getEnv("FRONTEND_URL", ""),
		DBPath:             getEnv("DB_PATH", "./data/warper.db"),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 10<<20)),
		ConversationTTL:    getEnvDuration("CONVERSATION_TTL", 30*24*time.Hour),
		Gateway: GatewayConfig{
			BaseURL:        getEnv("AI_GATEWAY_URL", "https://ai.gateway.lovable.dev/v1"),
			APIKey:         apiKey,
			ChatModel:      getEnv("CHAT_MODEL", "google/gemini-3-flash-preview"),
			ImageModel:     getEnv("IMAGE_MODEL", "dall-e-3"),
			PhotoEditModel: getEnv("PHOTO_EDIT_MODEL", "google/gemini-2.5-flash-image"),
		},
		Stream: StreamConfig{
			IdleTimeout:  getEnvDuration("STREAM_IDLE_TIMEOUT", 60*time.Second),
			MaxLineBytes: getEnvInt("STREAM_MAX_LINE_BYTES", 1<<20),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("AI_GATEWAY_URL cannot be empty")
	}
	if c.Gateway.APIKey == "" {
		return fmt.Errorf("AI_GATEWAY_API_KEY (or LOVABLE_API_KEY) is not configured")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Stream.IdleTimeout <= 0 {
		return fmt.Errorf("STREAM_IDLE_TIMEOUT must be > 0")
	}
	if c.Stream.MaxLineBytes <= 0 {
		return fmt.Errorf("STREAM_MAX_LINE_BYTES must be > 0")
	}
	if c.RateLimit.RequestsPerWindow > 0 && c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0 when rate limiting is enabled")
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("CONVERSATION_TTL must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalEnabled && c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
