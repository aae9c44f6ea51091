// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// State rules
	StateRulesPath string // JSON rule overrides, built-in registry if not set

	// Aggregator endpoints. A vendor with no base URL is left unwired
	// and records routed to it fail submission with NO_ADAPTER.
	SandataBaseURL    string
	SandataAPIKey     string
	SandataAccountID  string
	TellusBaseURL     string
	TellusAPIKey      string
	TellusAccountID   string
	HHAXBaseURL       string
	HHAXAPIKey        string
	HHAXAccountID     string
	AggregatorTimeout time.Duration

	// Multi-aggregator routing for states that split traffic by program,
	// e.g. MULTI_ROUTES="T=sandata,S=tellus" MULTI_DEFAULT="sandata"
	MultiRoutes  string
	MultiDefault string

	// Submission retry policy
	SubmitBackoffBase time.Duration
	SubmitBackoffMax  time.Duration
	SubmitMaxAttempts int
	SubmitSweepEvery  time.Duration
	SubmitSweepBatch  int

	// Security
	ReceiptSecret string // HMAC secret for submission receipts; empty disables signing
	RateLimitRPS  int
	AdminSecret   string // Admin API secret
}

const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultRateLimit   = 100
	DefaultTimeout     = 30 * time.Second
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffMax  = time.Hour
	DefaultMaxAttempts = 6
	DefaultSweepEvery  = 30 * time.Second
	DefaultSweepBatch  = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StateRulesPath:    os.Getenv("STATE_RULES_PATH"),
		SandataBaseURL:    os.Getenv("SANDATA_BASE_URL"),
		SandataAPIKey:     os.Getenv("SANDATA_API_KEY"),
		SandataAccountID:  os.Getenv("SANDATA_ACCOUNT_ID"),
		TellusBaseURL:     os.Getenv("TELLUS_BASE_URL"),
		TellusAPIKey:      os.Getenv("TELLUS_API_KEY"),
		TellusAccountID:   os.Getenv("TELLUS_ACCOUNT_ID"),
		HHAXBaseURL:       os.Getenv("HHAX_BASE_URL"),
		HHAXAPIKey:        os.Getenv("HHAX_API_KEY"),
		HHAXAccountID:     os.Getenv("HHAX_ACCOUNT_ID"),
		AggregatorTimeout: getEnvDuration("AGGREGATOR_TIMEOUT", DefaultTimeout),
		MultiRoutes:       os.Getenv("MULTI_ROUTES"),
		MultiDefault:      os.Getenv("MULTI_DEFAULT"),
		SubmitBackoffBase: getEnvDuration("SUBMIT_BACKOFF_BASE", DefaultBackoffBase),
		SubmitBackoffMax:  getEnvDuration("SUBMIT_BACKOFF_MAX", DefaultBackoffMax),
		SubmitMaxAttempts: int(getEnvInt64("SUBMIT_MAX_ATTEMPTS", DefaultMaxAttempts)),
		SubmitSweepEvery:  getEnvDuration("SUBMIT_SWEEP_INTERVAL", DefaultSweepEvery),
		SubmitSweepBatch:  int(getEnvInt64("SUBMIT_SWEEP_BATCH", DefaultSweepBatch)),
		ReceiptSecret:     os.Getenv("RECEIPT_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SubmitMaxAttempts < 1 {
		return fmt.Errorf("SUBMIT_MAX_ATTEMPTS must be at least 1")
	}
	if c.SubmitBackoffBase <= 0 || c.SubmitBackoffMax < c.SubmitBackoffBase {
		return fmt.Errorf("SUBMIT_BACKOFF_MAX must be >= SUBMIT_BACKOFF_BASE and both positive")
	}
	if c.SubmitSweepEvery <= 0 {
		return fmt.Errorf("SUBMIT_SWEEP_INTERVAL must be positive")
	}
	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
