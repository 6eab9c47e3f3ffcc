package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingSecret signals that the shared secret or API key is not configured.
	// The backend must refuse to start rather than fail per request.
	ErrMissingSecret = errors.New("config: shared secret and api key are required")
	// ErrInvalid signals a malformed configuration value.
	ErrInvalid = errors.New("config: invalid value")
)

// Config is the process-wide configuration, parsed once at startup and injected into
// the verifier, signer and catalog.
type Config struct {
	Port         string
	APIKey       string
	SharedSecret []byte

	DatabaseURL string
	OffersFile  string

	Redis    RedisConfig
	CacheTTL time.Duration

	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int

	RequestTimeout     time.Duration
	TokenLeeway        time.Duration
	RequireTokenExpiry bool
	BindTokenSubject   bool
	AssertionTTL       time.Duration

	LogLevel slog.Level
}

// RedisConfig points at the optional offer cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a cache address was configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load builds a Config from the given lookup function (os.Getenv in production).
func Load(getenv func(string) string) (Config, error) {
	env := lookup(getenv)

	cfg := Config{
		Port:           env.str("BACKEND_PORT", env.str("PORT", "3000")),
		APIKey:         strings.TrimSpace(getenv("SHOPIFY_API_KEY")),
		SharedSecret:   []byte(getenv("SHOPIFY_API_SECRET")),
		DatabaseURL:    getenv("DATABASE_URL"),
		OffersFile:     getenv("OFFERS_FILE"),
		AllowedOrigins: env.list("ALLOWED_ORIGINS", []string{"*"}),
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR"),
			Password: getenv("REDIS_PASSWORD"),
		},
	}

	if len(cfg.SharedSecret) == 0 || cfg.APIKey == "" {
		return Config{}, ErrMissingSecret
	}

	var errs []error
	cfg.Redis.DB = env.int("REDIS_DB", 0, &errs)
	cfg.CacheTTL = env.duration("OFFER_CACHE_TTL", 5*time.Minute, &errs)
	cfg.RateLimitRPS = env.float("RATE_LIMIT_RPS", 10, &errs)
	cfg.RateLimitBurst = env.int("RATE_LIMIT_BURST", 20, &errs)
	cfg.RequestTimeout = env.duration("REQUEST_TIMEOUT", 5*time.Second, &errs)
	cfg.TokenLeeway = env.duration("TOKEN_LEEWAY", 30*time.Second, &errs)
	cfg.RequireTokenExpiry = env.bool("REQUIRE_TOKEN_EXPIRY", true, &errs)
	cfg.BindTokenSubject = env.bool("BIND_TOKEN_SUBJECT", false, &errs)
	cfg.AssertionTTL = env.duration("ASSERTION_TTL", 0, &errs)
	cfg.LogLevel = env.level("LOG_LEVEL", slog.LevelInfo, &errs)

	if cfg.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: REQUEST_TIMEOUT must be positive", ErrInvalid))
	}
	if cfg.RateLimitRPS <= 0 || cfg.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("%w: rate limit must be positive", ErrInvalid))
	}
	if cfg.AssertionTTL < 0 || cfg.TokenLeeway < 0 {
		errs = append(errs, fmt.Errorf("%w: durations must not be negative", ErrInvalid))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return cfg, nil
}

type lookup func(string) string

func (l lookup) str(key, fallback string) string {
	if v := strings.TrimSpace(l(key)); v != "" {
		return v
	}
	return fallback
}

func (l lookup) list(key string, fallback []string) []string {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func (l lookup) int(key string, fallback int, errs *[]error) int {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw))
		return fallback
	}
	return v
}

func (l lookup) float(key string, fallback float64, errs *[]error) float64 {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw))
		return fallback
	}
	return v
}

func (l lookup) bool(key string, fallback bool, errs *[]error) bool {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw))
		return fallback
	}
	return v
}

func (l lookup) duration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw))
		return fallback
	}
	return v
}

func (l lookup) level(key string, fallback slog.Level, errs *[]error) slog.Level {
	raw := strings.TrimSpace(l(key))
	if raw == "" {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		*errs = append(*errs, fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw))
		return fallback
	}
	return lvl
}
