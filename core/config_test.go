package core

import (
	"errors"
	"testing"
	"time"
)

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	if !errors.Is(err, ErrMissingConfiguration) {
		t.Errorf("expected ErrMissingConfiguration, got %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listenAddr = %s", cfg.ListenAddr)
	}
	if cfg.LLMProvider != "anthropic" {
		t.Errorf("provider = %s", cfg.LLMProvider)
	}
	if cfg.RateLimitPerMinute != 30 || cfg.RateLimitBurst != 10 {
		t.Errorf("rate limits = %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	}
	if !cfg.EnableRouting || !cfg.RequireConfirmation {
		t.Error("routing and confirmation must default on")
	}
	if cfg.DefaultTimeout != 30*time.Second {
		t.Errorf("timeout = %s", cfg.DefaultTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("YUKIE_LISTEN_ADDR", ":9090")
	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "k-123")
	t.Setenv("ENABLE_ROUTING", "false")
	t.Setenv("YUKIE_RATE_LIMIT_PER_MINUTE", "120")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" || cfg.LLMProvider != "openai" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LLMAPIKey != "k-123" {
		t.Errorf("apiKey = %s", cfg.LLMAPIKey)
	}
	if cfg.EnableRouting {
		t.Error("routing override ignored")
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Errorf("perMinute = %d", cfg.RateLimitPerMinute)
	}
}

func TestLoadConfigRejectsUnknownProvider(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("LLM_PROVIDER", "bedrock")

	_, err := LoadConfig()
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestLoadConfigServiceURLOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("YUKIE_SERVICE_URL_HABIT_TRACKER", "http://localhost:7001")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServiceURLOverrides["habit-tracker"] != "http://localhost:7001" {
		t.Errorf("overrides = %v", cfg.ServiceURLOverrides)
	}
}
