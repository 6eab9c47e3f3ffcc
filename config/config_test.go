package config

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"SHOPIFY_API_SECRET": "secret",
		"SHOPIFY_API_KEY":    "key",
	}))
	if err != nil {
		t.Fatalf("load: unexpected error: %v", err)
	}

	if cfg.Port != "3000" {
		t.Fatalf("expected default port 3000, got %q", cfg.Port)
	}
	if string(cfg.SharedSecret) != "secret" || cfg.APIKey != "key" {
		t.Fatalf("unexpected credentials: %+v", cfg)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Fatalf("expected default timeout 5s, got %v", cfg.RequestTimeout)
	}
	if !cfg.RequireTokenExpiry || cfg.BindTokenSubject {
		t.Fatalf("unexpected token defaults: expiry=%v bind=%v", cfg.RequireTokenExpiry, cfg.BindTokenSubject)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("expected wildcard origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.Redis.Enabled() {
		t.Fatal("expected redis cache disabled by default")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
}

func TestLoad_MissingSecret(t *testing.T) {
	cases := []map[string]string{
		{},
		{"SHOPIFY_API_KEY": "key"},
		{"SHOPIFY_API_SECRET": "secret"},
	}
	for _, env := range cases {
		if _, err := Load(envMap(env)); !errors.Is(err, ErrMissingSecret) {
			t.Fatalf("env %v: expected ErrMissingSecret, got %v", env, err)
		}
	}
}

func TestLoad_Overrides(t *testing.T) {
	cfg, err := Load(envMap(map[string]string{
		"SHOPIFY_API_SECRET": "secret",
		"SHOPIFY_API_KEY":    "key",
		"PORT":               "8080",
		"BACKEND_PORT":       "9090",
		"REDIS_ADDR":         "localhost:6379",
		"REDIS_DB":           "2",
		"ALLOWED_ORIGINS":    "https://checkout.example.com, https://shop.example.com",
		"ASSERTION_TTL":      "10m",
		"BIND_TOKEN_SUBJECT": "true",
		"LOG_LEVEL":          "debug",
	}))
	if err != nil {
		t.Fatalf("load: unexpected error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("expected BACKEND_PORT to win, got %q", cfg.Port)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.DB != 2 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://shop.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if cfg.AssertionTTL != 10*time.Minute || !cfg.BindTokenSubject {
		t.Fatalf("unexpected assertion settings: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", cfg.LogLevel)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(envMap(map[string]string{
		"SHOPIFY_API_SECRET": "secret",
		"SHOPIFY_API_KEY":    "key",
		"REQUEST_TIMEOUT":    "soon",
		"RATE_LIMIT_BURST":   "-1",
	}))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
