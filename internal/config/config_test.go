package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 200, cfg.Detector.LatencyBudgetMs)
	assert.Equal(t, 1, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 24, cfg.Gate.FreshnessWindowHours)
	assert.Equal(t, 120000, cfg.Gate.RuminationCeilingMs)
	assert.False(t, cfg.Gate.HardTimeBox, "time box defaults to a soft nudge")
	assert.Equal(t, 2, cfg.Gate.MaxObstacles)
	assert.Equal(t, 0.1, cfg.Privacy.Epsilon)
	assert.Equal(t, 5, cfg.Privacy.KThreshold)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "stoa.yaml")

	content := `addr: ":9090"
db_path: /tmp/stoa-test.db
gate:
  freshness_window_hours: 12
  rumination_ceiling_ms: 90000
  hard_time_box: true
  max_obstacles: 2
privacy:
  epsilon: 0.5
  k_threshold: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/stoa-test.db", cfg.DBPath)
	assert.Equal(t, 12, cfg.Gate.FreshnessWindowHours)
	assert.Equal(t, 90000, cfg.Gate.RuminationCeilingMs)
	assert.True(t, cfg.Gate.HardTimeBox)
	assert.Equal(t, 0.5, cfg.Privacy.Epsilon)
	assert.Equal(t, 10, cfg.Privacy.KThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 1, cfg.Breaker.FailureThreshold)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unterminated"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero latency budget", func(c *Config) { c.Detector.LatencyBudgetMs = 0 }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"zero recovery timeout", func(c *Config) { c.Breaker.RecoveryTimeoutMs = 0 }},
		{"zero call timeout", func(c *Config) { c.Breaker.CallTimeoutMs = 0 }},
		{"zero freshness window", func(c *Config) { c.Gate.FreshnessWindowHours = 0 }},
		{"zero rumination ceiling", func(c *Config) { c.Gate.RuminationCeilingMs = 0 }},
		{"zero obstacle cap", func(c *Config) { c.Gate.MaxObstacles = 0 }},
		{"zero epsilon", func(c *Config) { c.Privacy.Epsilon = 0 }},
		{"negative epsilon", func(c *Config) { c.Privacy.Epsilon = -0.1 }},
		{"k below 2", func(c *Config) { c.Privacy.KThreshold = 1 }},
	}
	for _, c := range cases {
		cfg := DefaultConfig()
		c.mutate(cfg)
		assert.Error(t, cfg.Validate(), c.name)
	}
}
