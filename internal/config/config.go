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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"
	Timezone  string // IANA zone deciding calendar days for revenue and snapshots

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // shared counter/cache store (optional, in-process if not set)

	// Identity
	JWTSecret          string // HS256 secret for admin access tokens
	JWTIssuer          string // expected "iss" claim, empty disables the check
	JWKSURL            string // probed by /api/health only
	VerifySecret       string
	RequireAdminVerify bool
	CORSAllowedOrigins []string

	// Telemetry and notifications
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root spans kept, 0..1
	KafkaBrokers     []string
	KafkaAlertTopic  string

	// Admin feed
	StreamPollInterval      time.Duration
	StreamHeartbeatInterval time.Duration
	StreamHealthInterval    time.Duration
	StreamMaxDuration       time.Duration
	StreamMaxSessions       int64

	// Background jobs
	DetectorConfigPath string // optional YAML thresholds file
	ScanInterval       time.Duration
	SnapshotInterval   time.Duration
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultTimezone          = "UTC"
	DefaultKafkaAlertTopic   = "fraud-alerts"
	DefaultTraceSampleRatio  = 1.0
	DefaultPollInterval      = 3 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHealthInterval    = 60 * time.Second
	DefaultMaxDuration       = 600 * time.Second
	DefaultMaxSessions       = 200
	DefaultScanInterval      = 5 * time.Minute
	DefaultSnapshotInterval  = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		Timezone:                getEnv("TIMEZONE", DefaultTimezone),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTIssuer:               os.Getenv("JWT_ISSUER"),
		JWKSURL:                 os.Getenv("JWKS_URL"),
		VerifySecret:            os.Getenv("ADMIN_VERIFY_SECRET"),
		RequireAdminVerify:      getEnvBool("REQUIRE_ADMIN_VERIFY", false),
		CORSAllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:        getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", DefaultTraceSampleRatio),
		KafkaBrokers:            getEnvList("KAFKA_BROKERS"),
		KafkaAlertTopic:         getEnv("KAFKA_ALERT_TOPIC", DefaultKafkaAlertTopic),
		StreamPollInterval:      getEnvDuration("STREAM_POLL_INTERVAL", DefaultPollInterval),
		StreamHeartbeatInterval: getEnvDuration("STREAM_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		StreamHealthInterval:    getEnvDuration("STREAM_HEALTH_INTERVAL", DefaultHealthInterval),
		StreamMaxDuration:       getEnvDuration("STREAM_MAX_DURATION", DefaultMaxDuration),
		StreamMaxSessions:       getEnvInt64("STREAM_MAX_SESSIONS", DefaultMaxSessions),
		DetectorConfigPath:      os.Getenv("DETECTOR_CONFIG"),
		ScanInterval:            getEnvDuration("FRAUD_SCAN_INTERVAL", DefaultScanInterval),
		SnapshotInterval:        getEnvDuration("SNAPSHOT_INTERVAL", DefaultSnapshotInterval),
	}

	if cfg.VerifySecret == "" {
		cfg.VerifySecret = cfg.JWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q is not a known zone: %w", c.Timezone, err)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.StreamMaxSessions <= 0 {
		return fmt.Errorf("STREAM_MAX_SESSIONS must be positive")
	}
	if c.StreamPollInterval <= 0 || c.StreamHeartbeatInterval <= 0 ||
		c.StreamHealthInterval <= 0 || c.StreamMaxDuration <= 0 {
		return fmt.Errorf("stream intervals must be positive")
	}
	if c.StreamMaxDuration < c.StreamPollInterval {
		return fmt.Errorf("STREAM_MAX_DURATION must not be shorter than STREAM_POLL_INTERVAL")
	}
	return nil
}

// Location returns the configured zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvDuration accepts Go duration syntax ("3s") or bare seconds ("3").
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

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
