package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("VENDOR_BASE_URL", "http://vendor.local")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")
}

func TestLoadRequiresVendorURL(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/verify")
	t.Setenv("VENDOR_BASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VENDOR_BASE_URL")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/verify")
	t.Setenv("VENDOR_BASE_URL", "http://vendor.local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 10*time.Second, cfg.Vendor.Timeout)
	assert.Equal(t, 3, cfg.Vendor.MaxRetries)
	assert.Equal(t, uint32(5), cfg.Vendor.BreakerFailures)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 3*time.Minute, cfg.Poll.VerificationTimeout)
	assert.Equal(t, 8, cfg.Poll.Workers)
	assert.Equal(t, 5, cfg.Poll.FailureBudget)
	assert.Equal(t, 60*time.Second, cfg.Poll.ReconcileInterval)
	assert.Empty(t, cfg.AMQP.URL)
	assert.Equal(t, "verification_events", cfg.AMQP.Exchange)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/verify")
	t.Setenv("VENDOR_BASE_URL", "http://vendor.local")
	t.Setenv("VERIFICATION_TIMEOUT_SECONDS", "600")
	t.Setenv("POLL_INTERVAL_SECONDS", "2")
	t.Setenv("POLL_WORKERS", "16")
	t.Setenv("VENDOR_BREAKER_FAILURES", "10")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Poll.VerificationTimeout)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 16, cfg.Poll.Workers)
	assert.Equal(t, uint32(10), cfg.Vendor.BreakerFailures)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://localhost/verify")
	t.Setenv("VENDOR_BASE_URL", "http://vendor.local")
	t.Setenv("POLL_WORKERS", "many")
	t.Setenv("POLL_INTERVAL_SECONDS", "-3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Poll.Workers)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
}
