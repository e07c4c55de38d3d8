package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "GEMINI_API_KEY", "test-gemini-key")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGeminiModel, cfg.GeminiModel)
	assert.Equal(t, DefaultGeminiTextModel, cfg.GeminiTextModel)
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, cfg.GenerateTimeout)
	assert.Equal(t, DefaultAttempts, cfg.GenerateAttempts)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestLoad_MissingGeminiKey(t *testing.T) {
	setEnv(t, "GEMINI_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY is required")
}

func TestLoad_ParsesCORSOrigins(t *testing.T) {
	setEnv(t, "GEMINI_API_KEY", "test-gemini-key")
	setEnv(t, "CORS_ORIGINS", "https://app.example.com, https://admin.example.com,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				GeminiAPIKey:    "key",
				GenerateTimeout: time.Minute,
			},
			wantErr: "",
		},
		{
			name: "missing gemini key",
			config: Config{
				GenerateTimeout: time.Minute,
			},
			wantErr: "GEMINI_API_KEY is required",
		},
		{
			name: "non-positive timeout",
			config: Config{
				GeminiAPIKey: "key",
			},
			wantErr: "GENERATE_TIMEOUT_SECONDS must be positive",
		},
		{
			name: "production requires stripe",
			config: Config{
				Env:             "production",
				GeminiAPIKey:    "key",
				GenerateTimeout: time.Minute,
				AdminSecret:     "secret",
			},
			wantErr: "STRIPE_SECRET_KEY is required in production",
		},
		{
			name: "production requires admin secret",
			config: Config{
				Env:             "production",
				GeminiAPIKey:    "key",
				GenerateTimeout: time.Minute,
				StripeSecretKey: "sk_test_123",
			},
			wantErr: "ADMIN_SECRET is required in production",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}
