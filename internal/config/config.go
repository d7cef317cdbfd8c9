// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Rate-limit store backends.
const (
	RateLimitStoreMemory = "memory"
	RateLimitStoreRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	RequestTimeout time.Duration
	MaxRequestBody int64

	// Database (optional, in-memory stores when unset)
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Rate limiting
	RateLimitStore      string
	RateLimitDefaultRPM int
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisConnTimeout    time.Duration

	// Usage recording
	UsageQueueSize int
	UsageWorkers   int

	// Webhook delivery
	WebhookTimeout           time.Duration
	WebhookMaxAttempts       int
	WebhookMaxInFlight       int
	WebhookBackoffBase       time.Duration
	WebhookBackoffMax        time.Duration
	WebhookRetryInterval     time.Duration
	WebhookRetryBatch        int
	WebhookAllowInsecureURLs bool // dev only: permits http:// and private targets

	// Expiry janitor
	JanitorInterval   time.Duration
	DeliveryRetention time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
	DefaultRequestTimeout       = 30 * time.Second
	DefaultMaxRequestBody       = 1 << 20
	DefaultRateLimitRPM         = 60
	DefaultUsageQueueSize       = 1024
	DefaultUsageWorkers         = 2
	DefaultWebhookTimeout       = 5 * time.Second
	DefaultWebhookMaxAttempts   = 3
	DefaultWebhookMaxInFlight   = 8
	DefaultWebhookBackoffBase   = time.Minute
	DefaultWebhookBackoffMax    = time.Hour
	DefaultWebhookRetryInterval = time.Minute
	DefaultWebhookRetryBatch    = 100
	DefaultJanitorInterval      = time.Hour
	DefaultDeliveryRetention    = 30 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		RequestTimeout:           getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		MaxRequestBody:           getEnvInt64("MAX_REQUEST_BODY", DefaultMaxRequestBody),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:           int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:           int(getEnvInt64("DB_MAX_IDLE_CONNS", 10)),
		RateLimitStore:           getEnv("RATE_LIMIT_STORE", RateLimitStoreMemory),
		RateLimitDefaultRPM:      int(getEnvInt64("RATE_LIMIT_DEFAULT_RPM", DefaultRateLimitRPM)),
		RedisAddr:                getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  int(getEnvInt64("REDIS_DB", 0)),
		RedisConnTimeout:         getEnvDuration("REDIS_CONN_TIMEOUT", 5*time.Second),
		UsageQueueSize:           int(getEnvInt64("USAGE_QUEUE_SIZE", DefaultUsageQueueSize)),
		UsageWorkers:             int(getEnvInt64("USAGE_WORKERS", DefaultUsageWorkers)),
		WebhookTimeout:           getEnvDuration("WEBHOOK_TIMEOUT", DefaultWebhookTimeout),
		WebhookMaxAttempts:       int(getEnvInt64("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookMaxAttempts)),
		WebhookMaxInFlight:       int(getEnvInt64("WEBHOOK_MAX_IN_FLIGHT", DefaultWebhookMaxInFlight)),
		WebhookBackoffBase:       getEnvDuration("WEBHOOK_BACKOFF_BASE", DefaultWebhookBackoffBase),
		WebhookBackoffMax:        getEnvDuration("WEBHOOK_BACKOFF_MAX", DefaultWebhookBackoffMax),
		WebhookRetryInterval:     getEnvDuration("WEBHOOK_RETRY_INTERVAL", DefaultWebhookRetryInterval),
		WebhookRetryBatch:        int(getEnvInt64("WEBHOOK_RETRY_BATCH", DefaultWebhookRetryBatch)),
		WebhookAllowInsecureURLs: getEnvBool("WEBHOOK_ALLOW_INSECURE_URLS", false),
		JanitorInterval:          getEnvDuration("JANITOR_INTERVAL", DefaultJanitorInterval),
		DeliveryRetention:        getEnvDuration("DELIVERY_RETENTION", DefaultDeliveryRetention),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	switch c.RateLimitStore {
	case RateLimitStoreMemory:
	case RateLimitStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when RATE_LIMIT_STORE=redis")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_STORE must be %q or %q, got %q",
			RateLimitStoreMemory, RateLimitStoreRedis, c.RateLimitStore)
	}

	if c.RateLimitDefaultRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_DEFAULT_RPM must be positive")
	}
	if c.UsageQueueSize <= 0 || c.UsageWorkers <= 0 {
		return fmt.Errorf("USAGE_QUEUE_SIZE and USAGE_WORKERS must be positive")
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be positive")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.WebhookMaxInFlight < 1 {
		return fmt.Errorf("WEBHOOK_MAX_IN_FLIGHT must be at least 1")
	}
	if c.WebhookBackoffBase <= 0 || c.WebhookBackoffMax < c.WebhookBackoffBase {
		return fmt.Errorf("WEBHOOK_BACKOFF_MAX must be >= WEBHOOK_BACKOFF_BASE > 0")
	}
	if c.WebhookRetryInterval <= 0 || c.JanitorInterval <= 0 {
		return fmt.Errorf("WEBHOOK_RETRY_INTERVAL and JANITOR_INTERVAL must be positive")
	}
	if c.DeliveryRetention <= 0 {
		return fmt.Errorf("DELIVERY_RETENTION must be positive")
	}
	if c.IsProduction() && c.WebhookAllowInsecureURLs {
		return fmt.Errorf("WEBHOOK_ALLOW_INSECURE_URLS cannot be enabled in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "1h") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
