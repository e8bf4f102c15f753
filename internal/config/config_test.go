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
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test_123")
	setEnv(t, "PORT", "9090")
	setEnv(t, "PENDING_ESCROW_TTL", "2h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sk_test_123", cfg.StripeSecretKey)
	assert.Equal(t, 2*time.Hour, cfg.PendingEscrowTTL)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
}

func TestLoad_MissingStripeKey(t *testing.T) {
	setEnv(t, "STRIPE_SECRET_KEY", "")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test_123")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY is required")
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
				StripeSecretKey:     "sk_test_123",
				StripeWebhookSecret: "whsec_test_123",
				PendingEscrowTTL:    time.Hour,
			},
			wantErr: "",
		},
		{
			name: "missing webhook secret",
			config: Config{
				StripeSecretKey:  "sk_test_123",
				PendingEscrowTTL: time.Hour,
			},
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
		{
			name: "non-positive pending TTL",
			config: Config{
				StripeSecretKey:     "sk_test_123",
				StripeWebhookSecret: "whsec_test_123",
				PendingEscrowTTL:    0,
			},
			wantErr: "PENDING_ESCROW_TTL must be positive",
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

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "ninety seconds")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute)) // Falls back on parse error
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
}
