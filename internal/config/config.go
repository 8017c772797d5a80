// Package config loads all runtime configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrInvalidConfig     = errors.New("invalid configuration value")
	ErrEncryptionKeySize = errors.New("encryption key must be exactly 32 bytes (64 hex characters)")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig
	Security     SecurityConfig
	Database     DatabaseConfig
	OAuth        OAuthConfig
	RateLimiting RateLimitConfig
	Sync         SyncConfig
	Webhooks     WebhookConfig
	Audit        AuditConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	BaseURL     string
	Environment Environment
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	EncryptionKey string // 64 hex characters
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// ServiceCredentials holds one OAuth application's client credentials.
type ServiceCredentials struct {
	ClientID     string
	ClientSecret string
}

// OAuthConfig holds per-service OAuth application credentials. Services
// without credentials simply cannot be connected; this is not an error
// at startup.
type OAuthConfig struct {
	RedirectURL string
	Todoist     ServiceCredentials
	Google      ServiceCredentials
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SyncConfig holds sync interval configuration, in seconds.
type SyncConfig struct {
	DefaultInterval int
	MinInterval     int
	MaxInterval     int
}

// WebhookConfig holds outbound webhook configuration.
type WebhookConfig struct {
	// AllowPrivateTargets relaxes the private-IP check on webhook
	// targets. Only for Docker-internal deployments.
	AllowPrivateTargets bool
}

// AuditConfig holds audit sink configuration.
type AuditConfig struct {
	// WebhookURL, when set, receives audit events as JSON in addition
	// to the process log.
	WebhookURL string
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // Intentionally ignore - .env file is optional

	cfg := &Config{}

	// Server configuration
	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.BaseURL = getEnvRequired("BASE_URL")
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	// Security configuration
	encKeyHex := getEnvRequired("ENCRYPTION_KEY")
	if encKeyHex != "" {
		encKey, err := hex.DecodeString(encKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: ENCRYPTION_KEY: invalid hex: %w", ErrInvalidConfig, err)
		}
		if len(encKey) != 32 {
			return nil, ErrEncryptionKeySize
		}
		cfg.Security.EncryptionKey = encKeyHex
	}

	// Database configuration
	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/dayflow-sync.db")

	// OAuth configuration
	cfg.OAuth.RedirectURL = getEnv("OAUTH_REDIRECT_URL", strings.TrimSuffix(cfg.Server.BaseURL, "/")+"/api/oauth/callback")
	cfg.OAuth.Todoist.ClientID = getEnv("TODOIST_CLIENT_ID", "")
	cfg.OAuth.Todoist.ClientSecret = getEnv("TODOIST_CLIENT_SECRET", "")
	cfg.OAuth.Google.ClientID = getEnv("GOOGLE_CLIENT_ID", "")
	cfg.OAuth.Google.ClientSecret = getEnv("GOOGLE_CLIENT_SECRET", "")

	// Rate limiting configuration
	rps, err := getEnvFloat("RATE_LIMIT_RPS", 10.0)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.RPS = rps

	burst, err := getEnvInt("RATE_LIMIT_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("%w: RATE_LIMIT_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.RateLimiting.Burst = burst

	// Sync configuration
	defaultInterval, err := getEnvInt("DEFAULT_SYNC_INTERVAL", 900)
	if err != nil {
		return nil, fmt.Errorf("%w: DEFAULT_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.DefaultInterval = defaultInterval

	minInterval, err := getEnvInt("MIN_SYNC_INTERVAL", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: MIN_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MinInterval = minInterval

	maxInterval, err := getEnvInt("MAX_SYNC_INTERVAL", 86400)
	if err != nil {
		return nil, fmt.Errorf("%w: MAX_SYNC_INTERVAL: %w", ErrInvalidConfig, err)
	}
	cfg.Sync.MaxInterval = maxInterval

	if cfg.Sync.MinInterval > cfg.Sync.MaxInterval {
		return nil, fmt.Errorf("%w: MIN_SYNC_INTERVAL exceeds MAX_SYNC_INTERVAL", ErrInvalidConfig)
	}
	if cfg.Sync.DefaultInterval < cfg.Sync.MinInterval || cfg.Sync.DefaultInterval > cfg.Sync.MaxInterval {
		return nil, fmt.Errorf("%w: DEFAULT_SYNC_INTERVAL outside [MIN, MAX]", ErrInvalidConfig)
	}

	// Webhook configuration
	cfg.Webhooks.AllowPrivateTargets = getEnvBool("WEBHOOK_ALLOW_PRIVATE_TARGETS", false)

	// Audit configuration
	cfg.Audit.WebhookURL = getEnv("AUDIT_WEBHOOK_URL", "")

	// Check for missing required configuration
	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.Server.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.Security.EncryptionKey == "" {
		missing = append(missing, "ENCRYPTION_KEY")
	}

	return missing
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}

// getEnvBool returns the boolean value of an environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
