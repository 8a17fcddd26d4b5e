// Package config provides environment configuration for the runtime server.
package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds the runtime server configuration.
type ServerConfig struct {
	// HTTP surface
	Port int
	Host string

	// Definitions
	DefinitionsDir string

	// Persistence. An empty PostgresDSN selects the in-memory stores.
	PostgresDSN string

	// Webhook replay dedup. An empty RedisAddr selects the in-process deduper.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DedupTTL      time.Duration

	// Trace storage. An empty MinioEndpoint selects the local filesystem store.
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioUseSSL    bool
	TraceBucket    string
	TracePrefix    string
	TraceDir       string

	// Outbound HTTP client
	RequestTimeout time.Duration
	MaxRetries     int
	RateLimit      float64
	RateBurst      int

	// Connection refresh
	RefreshSkew time.Duration

	// Invocation bounds
	InvokeTimeout time.Duration

	// Logging
	LogLevel       string
	LogDevelopment bool
}

// Load reads the server configuration from environment.
func Load() *ServerConfig {
	return &ServerConfig{
		Port:           getEnvInt("APP_CORE_PORT", 8080),
		Host:           getEnv("APP_CORE_HOST", "0.0.0.0"),
		DefinitionsDir: getEnv("APP_CORE_DEFINITIONS_DIR", "./definitions"),

		PostgresDSN: getEnv("APP_CORE_POSTGRES_DSN", ""),

		RedisAddr:     getEnv("APP_CORE_REDIS_ADDR", ""),
		RedisPassword: getEnv("APP_CORE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("APP_CORE_REDIS_DB", 0),
		DedupTTL:      getEnvDuration("APP_CORE_DEDUP_TTL", 24*time.Hour),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",
		TraceBucket:    getEnv("APP_CORE_TRACE_BUCKET", "app-traces"),
		TracePrefix:    getEnv("APP_CORE_TRACE_PREFIX", "traces"),
		TraceDir:       getEnv("APP_CORE_TRACE_DIR", ""),

		RequestTimeout: getEnvDuration("APP_CORE_REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:     getEnvInt("APP_CORE_MAX_RETRIES", 3),
		RateLimit:      getEnvFloat("APP_CORE_RATE_LIMIT", 10),
		RateBurst:      getEnvInt("APP_CORE_RATE_BURST", 5),

		RefreshSkew: getEnvDuration("APP_CORE_REFRESH_SKEW", time.Minute),

		InvokeTimeout: getEnvDuration("APP_CORE_INVOKE_TIMEOUT", 5*time.Minute),

		LogLevel:       getEnv("APP_CORE_LOG_LEVEL", "info"),
		LogDevelopment: getEnv("APP_CORE_LOG_DEV", "false") == "true",
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
