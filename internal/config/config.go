package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBSource string
	Port     string
	Env      string

	Vendor VendorConfig
	Poll   PollConfig
	AMQP   AMQPConfig
}

type VendorConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// Breaker trips after this many consecutive failures and stays open for
	// Cooldown before probing again.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

type PollConfig struct {
	// Interval between scans of active verifications.
	Interval time.Duration
	// Deadline after which an active verification with no code times out.
	VerificationTimeout time.Duration
	// Workers bounds concurrent vendor polls.
	Workers   int
	BatchSize int
	// FailureBudget is the number of consecutive transient poll failures
	// tolerated before a verification is failed and refunded.
	FailureBudget int
	// ReconcileInterval paces the debited-but-unrefunded backstop sweep.
	ReconcileInterval time.Duration
}

type AMQPConfig struct {
	// URL empty disables event publishing.
	URL      string
	Exchange string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	vendorURL := os.Getenv("VENDOR_BASE_URL")
	if vendorURL == "" {
		return nil, fmt.Errorf("VENDOR_BASE_URL environment variable is required")
	}

	return &Config{
		DBSource: dbSource,
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		Vendor: VendorConfig{
			BaseURL:         vendorURL,
			APIKey:          os.Getenv("VENDOR_API_KEY"),
			Timeout:         durationFromEnv("VENDOR_TIMEOUT_SECONDS", 10*time.Second),
			MaxRetries:      intFromEnv("VENDOR_MAX_RETRIES", 3),
			BreakerFailures: uint32(intFromEnv("VENDOR_BREAKER_FAILURES", 5)),
			BreakerCooldown: durationFromEnv("VENDOR_BREAKER_COOLDOWN_SECONDS", 30*time.Second),
		},
		Poll: PollConfig{
			Interval:            durationFromEnv("POLL_INTERVAL_SECONDS", 5*time.Second),
			VerificationTimeout: durationFromEnv("VERIFICATION_TIMEOUT_SECONDS", 3*time.Minute),
			Workers:             intFromEnv("POLL_WORKERS", 8),
			BatchSize:           intFromEnv("POLL_BATCH_SIZE", 200),
			FailureBudget:       intFromEnv("POLL_FAILURE_BUDGET", 5),
			ReconcileInterval:   durationFromEnv("RECONCILE_INTERVAL_SECONDS", 60*time.Second),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: getEnv("AMQP_EXCHANGE", "verification_events"),
		},
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intFromEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if parsed, err := strconv.Atoi(v); err == nil {
		return parsed
	}
	return def
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
		return time.Duration(parsed) * time.Second
	}
	return def
}
