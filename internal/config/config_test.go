package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Lukeus/my-context-kit-sub013/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, 3, cfg.Admission.ConcurrencyLimit)
	assert.True(t, cfg.Gating.EnforceClassification)
	assert.Equal(t, 8, cfg.Gating.ReasonMinLength)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
	assert.Equal(t, 1.5, cfg.Health.BackoffMultiplier)
	assert.Equal(t, 60*time.Second, cfg.Health.MaxInterval)
	assert.Equal(t, "pnpm", cfg.Tools.PackageManager)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TOOLGATE_CONCURRENCY_LIMIT", "5")
	t.Setenv("TOOLGATE_ENFORCE_CLASSIFICATION", "false")
	t.Setenv("TOOLGATE_HEALTH_INTERVAL", "250")
	t.Setenv("TOOLGATE_HEALTH_MAX_INTERVAL", "2m")
	t.Setenv("TOOLGATE_HEALTH_BACKOFF_MULTIPLIER", "2")
	t.Setenv("TOOLGATE_SHARED_SECRET", "s3cret")

	cfg := config.Load()
	assert.Equal(t, 5, cfg.Admission.ConcurrencyLimit)
	assert.False(t, cfg.Gating.EnforceClassification)
	assert.Equal(t, 250*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Health.MaxInterval)
	assert.Equal(t, 2.0, cfg.Health.BackoffMultiplier)
	assert.Equal(t, "s3cret", cfg.Auth.SharedSecret)
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("TOOLGATE_CONCURRENCY_LIMIT", "many")
	t.Setenv("TOOLGATE_HEALTH_INTERVAL", "soon")

	cfg := config.Load()
	assert.Equal(t, 3, cfg.Admission.ConcurrencyLimit)
	assert.Equal(t, 10*time.Second, cfg.Health.Interval)
}
