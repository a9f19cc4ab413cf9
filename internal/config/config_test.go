package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:              8080,
		DatabaseURL:       "postgres://localhost/coordinator",
		RedisURL:          "redis://localhost:6379",
		JWTSecret:         "0123456789abcdef0123456789abcdef-long-enough",
		CommissionRate:    0.10,
		SessionMinMinutes: 1,
		SessionMaxMinutes: 120,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid production config passes", func(t *testing.T) {
		cfg := validConfig()
		require.NoError(t, cfg.Validate(true))
	})

	t.Run("short jwt secret rejected in production", func(t *testing.T) {
		cfg := validConfig()
		cfg.JWTSecret = "short"
		assert.Error(t, cfg.Validate(true))
	})

	t.Run("short jwt secret allowed in development", func(t *testing.T) {
		cfg := validConfig()
		cfg.JWTSecret = "dev"
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("commission rate must be a fraction", func(t *testing.T) {
		cfg := validConfig()
		cfg.CommissionRate = 1.5
		assert.Error(t, cfg.Validate(false))

		cfg.CommissionRate = -0.1
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("session minute bounds must be ordered", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionMinMinutes = 10
		cfg.SessionMaxMinutes = 5
		assert.Error(t, cfg.Validate(false))
	})
}

func TestConfigLoad(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("COMMISSION_RATE", "0.15")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.15, cfg.CommissionRate)
	assert.Equal(t, 60, cfg.HeartbeatTimeoutSeconds)
	assert.Equal(t, 5, cfg.NodeSweepSeconds)
	assert.Equal(t, 3, cfg.InvoicePollSeconds)
	assert.Equal(t, 600, cfg.StartingTimeoutSeconds)
	assert.Equal(t, 180, cfg.TokenIdleTimeoutSeconds)
}
