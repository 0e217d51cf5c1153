package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	// Server
	HTTPAddr string
	Env      string // "dev" enables console logging

	// Tenant store (PostgreSQL)
	DatabaseURL string

	// Cache (Redis-compatible)
	RedisURL string

	// Auth
	JWTSecret string

	// Push receiver: either a bearer token or a shared API key is accepted.
	WebhookAPIKey      string
	WebhookBearerToken string

	// Default upstream, used for connectivity probing at startup.
	UpstreamURL string

	// Rate limiting (per tenant)
	RateLimitWindow time.Duration
	RateLimitMax    int
	RateLimitBurst  int

	// Upstream operation timeouts by class
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	LogLevel string
}

// Load reads configuration from the environment and validates required keys.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:           env("HTTP_ADDR", ":8080"),
		Env:                env("ENV", ""),
		DatabaseURL:        env("DATABASE_URL", ""),
		RedisURL:           env("REDIS_URL", "redis://localhost:6379/0"),
		JWTSecret:          env("JWT_SECRET_KEY", ""),
		WebhookAPIKey:      env("WEBHOOK_API_KEY", ""),
		WebhookBearerToken: env("WEBHOOK_BEARER_TOKEN", ""),
		UpstreamURL:        env("UPSTREAM_URL", ""),
		RateLimitWindow:    envDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitMax:       envInt("RATE_LIMIT_MAX_REQUESTS", 600),
		RateLimitBurst:     envInt("RATE_LIMIT_BURST", 120),
		ReadTimeout:        envDuration("UPSTREAM_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       envDuration("UPSTREAM_WRITE_TIMEOUT", 60*time.Second),
		LogLevel:           env("LOG_LEVEL", "info"),
	}

	if cfg.UpstreamURL == "" {
		return nil, errors.New("UPSTREAM_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET_KEY is required")
	}
	if cfg.WebhookAPIKey == "" && cfg.WebhookBearerToken == "" {
		return nil, errors.New("WEBHOOK_API_KEY or WEBHOOK_BEARER_TOKEN is required")
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitBurst <= 0 {
		return nil, fmt.Errorf("invalid rate limit configuration: max=%d burst=%d", cfg.RateLimitMax, cfg.RateLimitBurst)
	}

	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
