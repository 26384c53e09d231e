package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values (0, "", false, nil) are replaced with defaults; explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyPollDefaults(&cfg.Poll)
	applyConcurrencyDefaults(&cfg.Concurrency)
	applyRetryDefaults(&cfg.Retry)
	applyMetricsDefaults(&cfg.Metrics)

	if cfg.SignExpiry == 0 {
		cfg.SignExpiry = time.Hour
	}
	// Cache.Dir default is applied by the cache package so every opener
	// agrees on the location.
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyPollDefaults(cfg *PollConfig) {
	if cfg.Status == 0 {
		cfg.Status = 5 * time.Second
	}
	if cfg.Results == 0 {
		cfg.Results = 5 * time.Second
	}
	if cfg.Ledger == 0 {
		cfg.Ledger = time.Second
	}
}

func applyConcurrencyDefaults(cfg *ConcurrencyConfig) {
	if cfg.Downloads == 0 {
		cfg.Downloads = 10
	}
	if cfg.Listings == 0 {
		cfg.Listings = 5
	}
}

func applyRetryDefaults(cfg *RetryConfig) {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}
