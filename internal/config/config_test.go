package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "nats", cfg.StoreBackend)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 2.0, cfg.RetryMultiplier)
	assert.Equal(t, time.Minute, cfg.UpstreamRateWindow)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("UPSTREAM_RATE_LIMIT_CAPACITY", "7")
	t.Setenv("BREAKER_COOLDOWN", "45s")
	t.Setenv("RETRY_MULTIPLIER", "1.5")
	t.Setenv("LLM_TEMPERATURE", "not-a-number")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, 7, cfg.UpstreamRateCapacity)
	assert.Equal(t, 45*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 1.5, cfg.RetryMultiplier)
	assert.Equal(t, 0.7, cfg.Temperature, "unparsable values fall back to the default")
	assert.True(t, cfg.TracingEnabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.StoreBackend = "postgres" }},
		{"zero capacity", func(c *Config) { c.UpstreamRateCapacity = 0 }},
		{"zero threshold", func(c *Config) { c.BreakerFailureThreshold = 0 }},
		{"zero attempts", func(c *Config) { c.RetryMaxAttempts = 0 }},
		{"shrinking multiplier", func(c *Config) { c.RetryMultiplier = 0.5 }},
		{"max below base", func(c *Config) { c.RetryMaxDelay = c.RetryBaseDelay / 2 }},
		{"jitter out of range", func(c *Config) { c.RetryJitter = 1 }},
		{"zero buffer", func(c *Config) { c.StreamBuffer = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadPolicy_EmptyPathReturnsDefaults(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), policy)
}

func TestLoadPolicy_OverridesSelectedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := []byte("high_pain_threshold: 7\nreminder_chance: 0\nheat_window_days: 5\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	policy, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 7, policy.HighPainThreshold)
	assert.Equal(t, 0.0, policy.ReminderChance)
	assert.Equal(t, 5, policy.HeatWindowDays)
	assert.Equal(t, DefaultPolicy().ConcerningKeywords, policy.ConcerningKeywords)
	assert.Equal(t, 3, policy.DrainageWindowDays)
}

func TestLoadPolicy_RejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("high_pain_threshold: 11\n"), 0o600))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
