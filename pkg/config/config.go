// Package config loads and validates the transmit configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the transmit client configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (TRANSMIT_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Endpoint is the transform service base URL.
	Endpoint string `mapstructure:"endpoint" validate:"required,url" yaml:"endpoint"`

	// Auth selects how requests to the service are authenticated.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Cache configures the shared local result cache.
	Cache CacheConfig `mapstructure:"cache" yaml:"cache"`

	// Poll configures the engine's polling cadence.
	Poll PollConfig `mapstructure:"poll" yaml:"poll"`

	// Concurrency bounds object store operations across a whole run.
	Concurrency ConcurrencyConfig `mapstructure:"concurrency" yaml:"concurrency"`

	// Retry bounds retries of transient service and store errors.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShortenedFilenames applies deterministic filename shortening to every
	// download, not just names exceeding the path budget. Useful on
	// filesystems with tight path limits.
	ShortenedFilenames bool `mapstructure:"shortened_filenames" yaml:"shortened_filenames"`

	// AllowIncomplete returns partial results instead of failing when a
	// transform completes with failed input files.
	// Default: false (partial transforms are an error)
	AllowIncomplete bool `mapstructure:"allow_incomplete" yaml:"allow_incomplete"`

	// SignExpiry is the lifetime of presigned result URLs.
	// Default: 1h
	SignExpiry time.Duration `mapstructure:"sign_expiry" yaml:"sign_expiry"`
}

// AuthConfig selects the bearer token source. All fields optional; an
// unauthenticated deployment needs none of them.
type AuthConfig struct {
	// Token is a static bearer token.
	Token string `mapstructure:"token" yaml:"token,omitempty"`

	// TokenFile is a path to a file holding the bearer token, re-read on
	// every request.
	TokenFile string `mapstructure:"token_file" yaml:"token_file,omitempty"`

	// RefreshToken is exchanged for short-lived access tokens.
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token,omitempty"`
}

// CacheConfig configures the shared local result cache.
type CacheConfig struct {
	// Dir is the cache directory, shared by every transmit process on the
	// machine.
	// Default: $XDG_CACHE_HOME/transmit
	Dir string `mapstructure:"dir" yaml:"dir"`

	// Ignore disables cache lookups; submissions are still recorded so
	// concurrent runs keep deduplicating.
	Ignore bool `mapstructure:"ignore" yaml:"ignore"`
}

// PollConfig configures the engine's polling cadence.
type PollConfig struct {
	// Status is the delay between transform status polls.
	// Default: 5s
	Status time.Duration `mapstructure:"status" yaml:"status"`

	// Results is the delay between result discovery passes.
	// Default: 5s
	Results time.Duration `mapstructure:"results" yaml:"results"`

	// Ledger is the delay between in-flight submission ledger polls while
	// waiting for another process to obtain a request ID.
	// Default: 1s
	Ledger time.Duration `mapstructure:"ledger" yaml:"ledger"`
}

// ConcurrencyConfig bounds object store operations. The limits are shared by
// every lifecycle in a run, however many requests a group carries.
type ConcurrencyConfig struct {
	// Downloads is the maximum concurrent downloads and URL signings.
	// Default: 10
	Downloads int64 `mapstructure:"downloads" validate:"omitempty,min=1" yaml:"downloads"`

	// Listings is the maximum concurrent bucket listings.
	// Default: 5
	Listings int64 `mapstructure:"listings" validate:"omitempty,min=1" yaml:"listings"`
}

// RetryConfig bounds retries of transient errors.
type RetryConfig struct {
	// MaxAttempts is the retry bound for transient service and object store
	// errors.
	// Default: 3
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,min=1" yaml:"max_attempts"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TRANSMIT_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location,
// $XDG_CONFIG_HOME/transmit/config.yaml; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600 because the file may carry tokens.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the TRANSMIT_ prefix and underscores
	// Example: TRANSMIT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("TRANSMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// AutomaticEnv only surfaces keys viper has already seen, so bind the
	// ones that must be overridable without appearing in a config file.
	for _, key := range []string{
		"endpoint",
		"auth.token", "auth.token_file", "auth.refresh_token",
		"cache.dir", "cache.ignore",
		"poll.status", "poll.results", "poll.ledger",
		"concurrency.downloads", "concurrency.listings",
		"retry.max_attempts",
		"logging.level", "logging.format", "logging.output",
		"metrics.enabled", "metrics.port",
		"shortened_filenames", "allow_incomplete", "sign_expiry",
	} {
		_ = v.BindEnv(key)
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts strings like "30s" or "5m" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "transmit")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "transmit")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
