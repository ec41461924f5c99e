// Copyright 2025 Certen Protocol
//
// Configuration for the vApp engine service

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the vApp engine service
type Config struct {
	// Server Configuration
	ListenAddr  string
	MetricsAddr string

	// Database Configuration
	DatabaseURL         string
	DatabaseMaxConns    int
	DatabaseMinConns    int
	DatabaseMaxIdleTime int // seconds
	DatabaseMaxLifetime int // seconds

	// Batch Orchestration
	BatchMaxSize        int           // Hard ceiling on transactions per batch
	BatchInterval       time.Duration // Timer trigger cadence
	BatchCountThreshold int           // Unbatched count that trips the threshold trigger
	ThresholdPoll       time.Duration // How often the threshold trigger polls
	ClaimRetryAttempts  int           // Bounded retries on lock/serialization conflicts
	ClaimRetryBackoff   time.Duration // Base backoff, doubled per attempt

	// Prover Service
	ProverURL        string
	ProverTimeout    time.Duration
	RecoveryInterval time.Duration // Re-submission / status-poll cadence

	// Service Configuration
	OperatorID string // Recorded on audit events
	LogLevel   string
}

// Load reads configuration from environment variables.
//
// SECURITY: DATABASE_URL and PROVER_URL have no defaults and must be
// explicitly set. Call Validate() after Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		// Server Configuration - safe defaults
		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		// Database Configuration - REQUIRED, no default
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		DatabaseMaxConns:    getEnvInt("DATABASE_MAX_CONNS", 25),
		DatabaseMinConns:    getEnvInt("DATABASE_MIN_CONNS", 5),
		DatabaseMaxIdleTime: getEnvInt("DATABASE_MAX_IDLE_TIME", 300),
		DatabaseMaxLifetime: getEnvInt("DATABASE_MAX_LIFETIME", 3600),

		// Batch Orchestration
		BatchMaxSize:        getEnvInt("BATCH_MAX_SIZE", 100),
		BatchInterval:       getEnvDuration("BATCH_INTERVAL", 30*time.Second),
		BatchCountThreshold: getEnvInt("BATCH_COUNT_THRESHOLD", 10),
		ThresholdPoll:       getEnvDuration("BATCH_THRESHOLD_POLL", 2*time.Second),
		ClaimRetryAttempts:  getEnvInt("CLAIM_RETRY_ATTEMPTS", 5),
		ClaimRetryBackoff:   getEnvDuration("CLAIM_RETRY_BACKOFF", 50*time.Millisecond),

		// Prover Service - REQUIRED, no default
		ProverURL:        getEnv("PROVER_URL", ""),
		ProverTimeout:    getEnvDuration("PROVER_TIMEOUT", 30*time.Second),
		RecoveryInterval: getEnvDuration("PROVER_RECOVERY_INTERVAL", 15*time.Second),

		// Service Configuration
		OperatorID: getEnv("OPERATOR_ID", "vapp-engine"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
	}

	if overlayPath := getEnv("VAPP_CONFIG_FILE", ""); overlayPath != "" {
		if err := cfg.applyOverlay(overlayPath); err != nil {
			return nil, fmt.Errorf("failed to apply config overlay %s: %w", overlayPath, err)
		}
	}

	return cfg, nil
}

// overlay is the YAML-tunable subset of the configuration. Deployments
// tune orchestration and prover cadence without touching the environment.
type overlay struct {
	Batch struct {
		MaxSize        *int           `yaml:"max_size"`
		Interval       *time.Duration `yaml:"interval"`
		CountThreshold *int           `yaml:"count_threshold"`
		ThresholdPoll  *time.Duration `yaml:"threshold_poll"`
		RetryAttempts  *int           `yaml:"retry_attempts"`
		RetryBackoff   *time.Duration `yaml:"retry_backoff"`
	} `yaml:"batch"`
	Prover struct {
		URL              *string        `yaml:"url"`
		Timeout          *time.Duration `yaml:"timeout"`
		RecoveryInterval *time.Duration `yaml:"recovery_interval"`
	} `yaml:"prover"`
}

// applyOverlay merges a YAML file over the environment-derived values.
func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return err
	}

	if o.Batch.MaxSize != nil {
		c.BatchMaxSize = *o.Batch.MaxSize
	}
	if o.Batch.Interval != nil {
		c.BatchInterval = *o.Batch.Interval
	}
	if o.Batch.CountThreshold != nil {
		c.BatchCountThreshold = *o.Batch.CountThreshold
	}
	if o.Batch.ThresholdPoll != nil {
		c.ThresholdPoll = *o.Batch.ThresholdPoll
	}
	if o.Batch.RetryAttempts != nil {
		c.ClaimRetryAttempts = *o.Batch.RetryAttempts
	}
	if o.Batch.RetryBackoff != nil {
		c.ClaimRetryBackoff = *o.Batch.RetryBackoff
	}
	if o.Prover.URL != nil {
		c.ProverURL = *o.Prover.URL
	}
	if o.Prover.Timeout != nil {
		c.ProverTimeout = *o.Prover.Timeout
	}
	if o.Prover.RecoveryInterval != nil {
		c.RecoveryInterval = *o.Prover.RecoveryInterval
	}
	return nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.ProverURL == "" {
		errs = append(errs, "PROVER_URL is required but not set")
	}
	if c.BatchMaxSize < 1 {
		errs = append(errs, "BATCH_MAX_SIZE must be at least 1")
	}
	if c.ClaimRetryAttempts < 1 {
		errs = append(errs, "CLAIM_RETRY_ATTEMPTS must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
