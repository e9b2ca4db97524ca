package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		ListenAddr:      ":8741",
		DataDir:         "./data",
		BaseURL:         "https://example.test/extranet-api",
		RequestsPerSec:  4,
		IntervalMinutes: 60,
		Segments:        "CM,FO",
		MaxConcurrent:   3,
		MaxRetries:      3,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateBounds(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty base url", func(c *Config) { c.BaseURL = "" }},
		{"interval too small", func(c *Config) { c.IntervalMinutes = 0 }},
		{"interval too large", func(c *Config) { c.IntervalMinutes = 1441 }},
		{"concurrency too small", func(c *Config) { c.MaxConcurrent = 0 }},
		{"concurrency too large", func(c *Config) { c.MaxConcurrent = 11 }},
		{"retries too small", func(c *Config) { c.MaxRetries = 0 }},
		{"retries too large", func(c *Config) { c.MaxRetries = 11 }},
		{"empty segments", func(c *Config) { c.Segments = "" }},
		{"zero rate limit", func(c *Config) { c.RequestsPerSec = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("NSESYNC_LISTEN_ADDR", ":9999")
	t.Setenv("NSESYNC_INTERVAL_MINUTES", "15")
	t.Setenv("NSESYNC_SEGMENTS", "CM")
	t.Setenv("NSESYNC_MIDNIGHT_AUTO_STOP", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 15, cfg.IntervalMinutes)
	assert.Equal(t, "CM", cfg.Segments)
	assert.False(t, cfg.MidnightAutoStop)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.MaxConcurrent)
}

func TestLoadRejectsInvalidEnvironment(t *testing.T) {
	t.Setenv("NSESYNC_INTERVAL_MINUTES", "0")
	_, err := Load()
	assert.Error(t, err)
}
