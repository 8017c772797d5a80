package config

import (
	"errors"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "https://sync.dayflow.example")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production default")
	}
	if cfg.Sync.DefaultInterval != 900 {
		t.Errorf("expected default interval 900, got %d", cfg.Sync.DefaultInterval)
	}
	if cfg.OAuth.RedirectURL != "https://sync.dayflow.example/api/oauth/callback" {
		t.Errorf("unexpected derived redirect URL %q", cfg.OAuth.RedirectURL)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("BASE_URL", "")
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	if !errors.Is(err, ErrMissingConfig) {
		t.Fatalf("expected ErrMissingConfig, got %v", err)
	}
}

func TestLoadRejectsBadEncryptionKey(t *testing.T) {
	t.Setenv("BASE_URL", "https://sync.dayflow.example")

	t.Setenv("ENCRYPTION_KEY", "deadbeef")
	if _, err := Load(); !errors.Is(err, ErrEncryptionKeySize) {
		t.Errorf("expected ErrEncryptionKeySize for short key, got %v", err)
	}

	t.Setenv("ENCRYPTION_KEY", "zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if _, err := Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for non-hex key, got %v", err)
	}
}

func TestLoadValidatesIntervalBounds(t *testing.T) {
	setRequiredEnv(t)

	t.Setenv("MIN_SYNC_INTERVAL", "3600")
	t.Setenv("MAX_SYNC_INTERVAL", "60")
	if _, err := Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for inverted bounds, got %v", err)
	}

	t.Setenv("MIN_SYNC_INTERVAL", "60")
	t.Setenv("MAX_SYNC_INTERVAL", "600")
	t.Setenv("DEFAULT_SYNC_INTERVAL", "900")
	if _, err := Load(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for default outside bounds, got %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("TODOIST_CLIENT_ID", "todoist-app")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development environment")
	}
	if cfg.RateLimiting.RPS != 2.5 {
		t.Errorf("expected RPS 2.5, got %v", cfg.RateLimiting.RPS)
	}
	if cfg.OAuth.Todoist.ClientID != "todoist-app" {
		t.Errorf("unexpected todoist client id %q", cfg.OAuth.Todoist.ClientID)
	}
}
