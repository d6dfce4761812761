package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHAT_ENV", "production")
	t.Setenv("CHAT_DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("CHAT_JWT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "redis", cfg.BusDriver)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL)
	assert.Equal(t, int64(1000), cfg.OfflineMaxMessages)
	assert.Equal(t, 7*24*time.Hour, cfg.OfflineTTL)
	assert.Equal(t, 16, cfg.FanoutConcurrency)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_ENV", "production")
	t.Setenv("CHAT_DB_DSN", "postgres://chat@localhost/chat")
	t.Setenv("CHAT_JWT_SECRET", "secret")
	t.Setenv("CHAT_BUS_DRIVER", "nats")
	t.Setenv("CHAT_OFFLINE_MAX_MESSAGES", "50")
	t.Setenv("CHAT_IDEMPOTENCY_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "nats", cfg.BusDriver)
	assert.Equal(t, int64(50), cfg.OfflineMaxMessages)
	assert.Equal(t, 90*time.Second, cfg.IdempotencyTTL)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DBDSN:              "dsn",
			JWTSecret:          "secret",
			BusDriver:          "redis",
			IdempotencyTTL:     time.Minute,
			OfflineMaxMessages: 10,
			OfflineTTL:         time.Hour,
			PresenceTTL:        time.Minute,
			FanoutConcurrency:  4,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing dsn", func(c *Config) { c.DBDSN = "" }, "CHAT_DB_DSN"},
		{"missing secret", func(c *Config) { c.JWTSecret = "" }, "CHAT_JWT_SECRET"},
		{"unknown bus", func(c *Config) { c.BusDriver = "kafka" }, "unknown bus driver"},
		{"zero queue bound", func(c *Config) { c.OfflineMaxMessages = 0 }, "offline max messages"},
		{"zero fanout", func(c *Config) { c.FanoutConcurrency = 0 }, "fanout concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
