package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// IdentityPublicKey is the base64 Ed25519 key of the identity issuer.
	IdentityPublicKey string

	// Cross-instance fan-out: "redis", "nats" or empty for single instance.
	Broker  string
	NATSURL string

	// Push notifications
	KafkaBrokers     []string
	KafkaNotifyTopic string

	// Media uploads
	S3Bucket string
	S3Region string

	CORSOrigins []string

	// History paging
	HistoryDefaultLimit int
	HistoryMaxLimit     int

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		Env:                 getEnv("ENV", "development"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		SQLitePath:          getEnv("SQLITE_PATH", "./data/connectify.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		IdentityPublicKey:   os.Getenv("IDENTITY_PUBLIC_KEY"),
		Broker:              strings.ToLower(os.Getenv("BROKER")),
		NATSURL:             getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaNotifyTopic:    getEnv("KAFKA_NOTIFY_TOPIC", "chat.notifications"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3Region:            getEnv("S3_REGION", "us-east-1"),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		HistoryDefaultLimit: getEnvInt("HISTORY_DEFAULT_LIMIT", 30),
		HistoryMaxLimit:     getEnvInt("HISTORY_MAX_LIMIT", 200),
		RateLimitWhitelist:  splitList(os.Getenv("RATE_LIMIT_WHITELIST")),
		AutoBlockEnabled:    getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = 200
	}
	if cfg.HistoryDefaultLimit <= 0 || cfg.HistoryDefaultLimit > cfg.HistoryMaxLimit {
		cfg.HistoryDefaultLimit = min(30, cfg.HistoryMaxLimit)
	}

	// In production, require database, redis and the identity key
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.IdentityPublicKey == "" {
			panic("IDENTITY_PUBLIC_KEY is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
