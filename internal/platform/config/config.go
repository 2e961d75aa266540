package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type HTTPConfig struct {
	Addr string
}

type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// AppConfig is the progress service configuration. Everything comes from
// the environment.
type AppConfig struct {
	ServiceName string
	LogLevel    string
	HTTP        HTTPConfig
	GRPCAddr    string
	JWTSecret   []byte
	// DatabaseURL empty selects the in-memory store.
	DatabaseURL string
	// NATSURL empty keeps fanout inside the process.
	NATSURL        string
	RateLimit      RateLimitConfig
	IdempotencyTTL time.Duration
}

func Load() (AppConfig, error) {
	cfg := AppConfig{
		ServiceName: env("SERVICE_NAME", "progress"),
		LogLevel:    env("LOG_LEVEL", "info"),
		HTTP:        HTTPConfig{Addr: env("HTTP_ADDR", ":8080")},
		GRPCAddr:    env("GRPC_ADDR", ":9090"),
		JWTSecret:   []byte(strings.TrimSpace(os.Getenv("JWT_SECRET"))),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
		NATSURL:     strings.TrimSpace(os.Getenv("NATS_URL")),
	}
	if len(cfg.JWTSecret) == 0 {
		return AppConfig{}, errors.New("JWT_SECRET is required")
	}

	var err error
	if cfg.RateLimit.RPS, err = envFloat("PROGRESS_RATE_LIMIT_RPS", 5); err != nil {
		return AppConfig{}, err
	}
	if cfg.RateLimit.Burst, err = envInt("PROGRESS_RATE_LIMIT_BURST", 20); err != nil {
		return AppConfig{}, err
	}
	if cfg.IdempotencyTTL, err = envDuration("IDEMPOTENCY_TTL", 24*time.Hour); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, v)
	}
	return f, nil
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
