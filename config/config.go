package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries all runtime settings for the API process. Values come from
// the environment; a local .env file is honored when present.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	JWTSecret   string
	Environment string
	LogLevel    string

	// Per-role request budgets for the fixed-window rate limiter,
	// expressed as requests per window.
	RateWindow        time.Duration
	OperatorRateLimit int
	SellerRateLimit   int
	BuyerRateLimit    int
	AnonRateLimit     int

	// DisputeGrace allows disputes against already-completed milestones for
	// the given duration after completion. Zero keeps the default policy:
	// only the active milestone may be disputed.
	DisputeGrace time.Duration

	// PlatformFeeBps is the marketplace fee in basis points of the escrow
	// total, retained pro rata as each milestone releases.
	PlatformFeeBps int
}

// Load reads configuration from the environment. A missing .env file is not
// an error; a missing DATABASE_URL or JWT_SECRET is.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:          envDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		Environment:       envDefault("ENVIRONMENT", "development"),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		RateWindow:        envDuration("RATE_WINDOW", time.Minute),
		OperatorRateLimit: envInt("RATE_LIMIT_OPERATOR", 600),
		SellerRateLimit:   envInt("RATE_LIMIT_SELLER", 240),
		BuyerRateLimit:    envInt("RATE_LIMIT_BUYER", 120),
		AnonRateLimit:     envInt("RATE_LIMIT_ANON", 60),
		DisputeGrace:      envDuration("DISPUTE_GRACE", 0),
		PlatformFeeBps:    envInt("PLATFORM_FEE_BPS", 800),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}

	return cfg, nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
