// Package config loads the process configuration from the environment.
// The snapshot is immutable after Load; nothing re-reads env vars at runtime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine.
type Config struct {
	// Required
	DatabaseURL   string
	SecretKey     string
	EncryptionKey string

	// Service
	Environment string // "development" or "production"
	ListenAddr  string
	CORSOrigins []string
	LogLevel    string
	LogFilePath string

	// Lock / health store
	LockStorePath  string
	WebhookLockTTL time.Duration

	// Loop cadences
	FillMonitorInterval   time.Duration
	RiskEngineInterval    time.Duration
	QueuePromoterInterval time.Duration

	// Risk recovery
	ClosingTimeout time.Duration

	// Precision cache
	PrecisionTTL         time.Duration
	PrecisionLenient     bool
	FallbackTickSize     decimal.Decimal
	FallbackStepSize     decimal.Decimal
	FallbackMinQty       decimal.Decimal
	FallbackMinNotional  decimal.Decimal

	// Grid defaults when a user has no DCA configuration for a pair
	DefaultPreset  string
	DCAPresetsPath string

	// Telegram (optional; notifier is a no-op without both)
	TelegramToken  string
	TelegramChatID int64
}

// Load reads the environment. Missing required variables are an error; the
// caller exits with code 1.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SecretKey:     os.Getenv("SECRET_KEY"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		Environment: getEnv("ENVIRONMENT", "production"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		CORSOrigins: splitCSV(getEnv("CORS_ORIGINS", "*")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFilePath: os.Getenv("LOG_FILE_PATH"),

		LockStorePath:  getEnv("LOCK_STORE_PATH", "data/lockstore"),
		WebhookLockTTL: getEnvDuration("WEBHOOK_LOCK_TTL", 30*time.Second),

		FillMonitorInterval:   getEnvDuration("FILL_MONITOR_INTERVAL", 3*time.Second),
		RiskEngineInterval:    getEnvDuration("RISK_ENGINE_INTERVAL", 30*time.Second),
		QueuePromoterInterval: getEnvDuration("QUEUE_PROMOTER_INTERVAL", 10*time.Second),

		ClosingTimeout: time.Duration(getEnvInt("CLOSING_TIMEOUT_MINUTES", 10)) * time.Minute,

		PrecisionTTL:        getEnvDuration("PRECISION_TTL", 60*time.Minute),
		PrecisionLenient:    getEnvBool("PRECISION_LENIENT", false),
		FallbackTickSize:    getEnvDecimal("FALLBACK_TICK_SIZE", decimal.RequireFromString("0.01")),
		FallbackStepSize:    getEnvDecimal("FALLBACK_STEP_SIZE", decimal.RequireFromString("0.00001")),
		FallbackMinQty:      getEnvDecimal("FALLBACK_MIN_QTY", decimal.Zero),
		FallbackMinNotional: getEnvDecimal("FALLBACK_MIN_NOTIONAL", decimal.NewFromInt(10)),

		DefaultPreset:  getEnv("DEFAULT_DCA_PRESET", "standard"),
		DCAPresetsPath: os.Getenv("DCA_PRESETS_PATH"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Fail fast on anything the engine cannot run without.
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

// Development reports whether the process runs in development mode; paper
// venues and console logging key off this.
func (c *Config) Development() bool {
	return c.Environment == "development"
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
