// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis (rate-limit counters; optional, uses in-process counters if not set)
	RedisURL string

	// Gemini
	GeminiAPIKey     string
	GeminiModel      string // image generation model
	GeminiTextModel  string // classification model
	GenerateTimeout  time.Duration
	GenerateAttempts int

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceStarter  string // price ID for the starter subscription
	StripePriceGrowth   string // price ID for the growth subscription
	StripeOveragePrice  string // metered price ID for overage try-ons

	// Dashboard / widget
	DashboardURL string // used for checkout/portal return URLs
	WidgetURL    string // base URL of the hosted widget script

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret    string
	AllowedOrigins []string // CORS allow-list for the management API

	// Usage retention
	RetentionDays int
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultGeminiModel     = "gemini-2.5-flash-image-preview"
	DefaultGeminiTextModel = "gemini-2.5-flash"
	DefaultTimeoutSeconds  = 120
	DefaultAttempts        = 3
	DefaultRetentionDays   = 90
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:            os.Getenv("REDIS_URL"),    // Optional, uses in-process counters if not set
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         getEnv("GEMINI_MODEL", DefaultGeminiModel),
		GeminiTextModel:     getEnv("GEMINI_TEXT_MODEL", DefaultGeminiTextModel),
		GenerateTimeout:     time.Duration(getEnvInt64("GENERATE_TIMEOUT_SECONDS", DefaultTimeoutSeconds)) * time.Second,
		GenerateAttempts:    int(getEnvInt64("GENERATE_MAX_ATTEMPTS", DefaultAttempts)),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceStarter:  os.Getenv("STRIPE_PRICE_STARTER"),
		StripePriceGrowth:   os.Getenv("STRIPE_PRICE_GROWTH"),
		StripeOveragePrice:  os.Getenv("STRIPE_PRICE_OVERAGE"),
		DashboardURL:        getEnv("DASHBOARD_URL", "http://localhost:3000"),
		WidgetURL:           getEnv("WIDGET_URL", "https://cdn.tryonplugin.com/widget.js"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		AllowedOrigins:      splitCSV(getEnv("CORS_ORIGINS", "*")),
		RetentionDays:       int(getEnvInt64("USAGE_RETENTION_DAYS", DefaultRetentionDays)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}

	if c.GenerateTimeout <= 0 {
		return fmt.Errorf("GENERATE_TIMEOUT_SECONDS must be positive")
	}

	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
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

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
