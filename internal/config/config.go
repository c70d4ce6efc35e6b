package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DetectorConfig tunes the crisis detector's instrumentation.
type DetectorConfig struct {
	// LatencyBudgetMs is the detection-time contract; exceeding it is
	// logged as a defect.
	LatencyBudgetMs int `yaml:"latency_budget_ms"`
}

// BreakerConfig parameterizes the escalation circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. The crisis escalation dependency keeps this at 1.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeoutMs is the time spent open before a trial call.
	RecoveryTimeoutMs int `yaml:"recovery_timeout_ms"`

	// CallTimeoutMs bounds a wrapped escalation call.
	CallTimeoutMs int `yaml:"call_timeout_ms"`
}

// GateConfig parameterizes the practice safety gate.
type GateConfig struct {
	// FreshnessWindowHours bounds how old the latest risk decision may
	// be before a re-screen is demanded.
	FreshnessWindowHours int `yaml:"freshness_window_hours"`

	// RuminationCeilingMs is the anti-rumination time box.
	RuminationCeilingMs int `yaml:"rumination_ceiling_ms"`

	// HardTimeBox makes the ceiling a hard block instead of a soft nudge.
	HardTimeBox bool `yaml:"hard_time_box"`

	// MaxObstacles caps obstacle entries per practice session.
	MaxObstacles int `yaml:"max_obstacles"`

	// AnxietyMarkers overrides the built-in free-text marker list.
	AnxietyMarkers []string `yaml:"anxiety_markers"`
}

// PrivacyConfig parameterizes the telemetry transform.
type PrivacyConfig struct {
	// Epsilon is the differential-privacy budget for aggregate counts.
	Epsilon float64 `yaml:"epsilon"`

	// KThreshold is the k-anonymity floor for aggregate buckets.
	KThreshold int `yaml:"k_threshold"`
}

// Config is the engine's configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`

	// StorageSecret derives the at-rest encryption key. Required.
	StorageSecret string `yaml:"storage_secret"`

	// AdminJWTSecret signs admin bearer tokens. Required.
	AdminJWTSecret string `yaml:"admin_jwt_secret"`

	Detector DetectorConfig `yaml:"detector"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Gate     GateConfig     `yaml:"gate"`
	Privacy  PrivacyConfig  `yaml:"privacy"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8080",
		DBPath: "stoa.db",
		Detector: DetectorConfig{
			LatencyBudgetMs: 200,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 1,
			RecoveryTimeoutMs: int((30 * time.Second).Milliseconds()),
			CallTimeoutMs:     int((2 * time.Second).Milliseconds()),
		},
		Gate: GateConfig{
			FreshnessWindowHours: 24,
			RuminationCeilingMs:  120000,
			HardTimeBox:          false,
			MaxObstacles:         2,
		},
		Privacy: PrivacyConfig{
			Epsilon:    0.1,
			KThreshold: 5,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. A missing file is not
// an error; a malformed or invalid one is fatal to the caller.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine must not serve with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Detector.LatencyBudgetMs <= 0 {
		return fmt.Errorf("detector.latency_budget_ms must be positive, got %d", c.Detector.LatencyBudgetMs)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeoutMs <= 0 {
		return fmt.Errorf("breaker.recovery_timeout_ms must be positive, got %d", c.Breaker.RecoveryTimeoutMs)
	}
	if c.Breaker.CallTimeoutMs <= 0 {
		return fmt.Errorf("breaker.call_timeout_ms must be positive, got %d", c.Breaker.CallTimeoutMs)
	}
	if c.Gate.FreshnessWindowHours <= 0 {
		return fmt.Errorf("gate.freshness_window_hours must be positive, got %d", c.Gate.FreshnessWindowHours)
	}
	if c.Gate.RuminationCeilingMs <= 0 {
		return fmt.Errorf("gate.rumination_ceiling_ms must be positive, got %d", c.Gate.RuminationCeilingMs)
	}
	if c.Gate.MaxObstacles < 1 {
		return fmt.Errorf("gate.max_obstacles must be at least 1, got %d", c.Gate.MaxObstacles)
	}
	if c.Privacy.Epsilon <= 0 {
		return fmt.Errorf("privacy.epsilon must be positive, got %v", c.Privacy.Epsilon)
	}
	if c.Privacy.KThreshold < 2 {
		return fmt.Errorf("privacy.k_threshold must be at least 2, got %d", c.Privacy.KThreshold)
	}
	return nil
}
