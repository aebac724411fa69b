package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPollInterval, cfg.StreamPollInterval)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.StreamHeartbeatInterval)
	assert.Equal(t, DefaultHealthInterval, cfg.StreamHealthInterval)
	assert.Equal(t, DefaultMaxDuration, cfg.StreamMaxDuration)
	assert.Equal(t, int64(DefaultMaxSessions), cfg.StreamMaxSessions)
	assert.Equal(t, "dev-secret", cfg.VerifySecret, "verify secret falls back to JWT secret")
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, time.UTC, cfg.Location())
	assert.Equal(t, DefaultTraceSampleRatio, cfg.TraceSampleRatio)
}

func TestLoad_Timezone(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("TIMEZONE", "Asia/Kolkata")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", cfg.Location().String())
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_ParsesDurationsAndLists(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("STREAM_POLL_INTERVAL", "500ms")
	t.Setenv("STREAM_MAX_DURATION", "120")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("REQUIRE_ADMIN_VERIFY", "true")
	t.Setenv("OTEL_TRACES_SAMPLE_RATIO", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.StreamPollInterval)
	assert.Equal(t, 120*time.Second, cfg.StreamMaxDuration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RequireAdminVerify)
	assert.Equal(t, 0.25, cfg.TraceSampleRatio)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "dev-secret")
	t.Setenv("STREAM_HEARTBEAT_INTERVAL", "soon")
	t.Setenv("STREAM_MAX_SESSIONS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.StreamHeartbeatInterval)
	assert.Equal(t, int64(DefaultMaxSessions), cfg.StreamMaxSessions)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                     "development",
			JWTSecret:               "secret",
			StreamPollInterval:      time.Second,
			StreamHeartbeatInterval: time.Second,
			StreamHealthInterval:    time.Second,
			StreamMaxDuration:       time.Minute,
			StreamMaxSessions:       10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"short production secret", func(c *Config) { c.Env = "production" }, "at least 32"},
		{"zero sessions", func(c *Config) { c.StreamMaxSessions = 0 }, "STREAM_MAX_SESSIONS"},
		{"zero poll", func(c *Config) { c.StreamPollInterval = 0 }, "intervals must be positive"},
		{"duration below poll", func(c *Config) { c.StreamMaxDuration = time.Millisecond }, "STREAM_MAX_DURATION"},
		{"sample ratio above one", func(c *Config) { c.TraceSampleRatio = 1.5 }, "OTEL_TRACES_SAMPLE_RATIO"},
		{"unknown zone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "TIMEZONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
