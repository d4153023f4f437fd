package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InferenceConfig holds the remote inference backend configuration
type InferenceConfig struct {
	BaseURL                 string  `json:"base_url" yaml:"base_url"`
	Model                   string  `json:"model" yaml:"model"`
	APIToken                string  `json:"-" yaml:"-"` // Environment only
	TimeoutSeconds          int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts             int     `json:"max_attempts" yaml:"max_attempts"`
	LoadingBackoffSeconds   float64 `json:"loading_backoff_seconds" yaml:"loading_backoff_seconds"`
	RateLimitBackoffSeconds float64 `json:"rate_limit_backoff_seconds" yaml:"rate_limit_backoff_seconds"`
	TimeoutBackoffSeconds   float64 `json:"timeout_backoff_seconds" yaml:"timeout_backoff_seconds"`
	WaitForModel            bool    `json:"wait_for_model" yaml:"wait_for_model"`
	UseCache                bool    `json:"use_cache" yaml:"use_cache"`
}

// BreakerConfig holds the circuit breaker configuration
type BreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	MaxFailures         int  `json:"max_failures" yaml:"max_failures"`
	OpenSeconds         int  `json:"open_seconds" yaml:"open_seconds"`
	HalfOpenMaxRequests int  `json:"half_open_max_requests" yaml:"half_open_max_requests"`
}

// RateLimitConfig holds the inbound rate limit for /api/extract
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	LogRequests bool   `json:"log_requests" yaml:"log_requests"` // Log request sizes, label counts and thresholds
	LogVerbose  bool   `json:"log_verbose" yaml:"log_verbose"`   // Log detected entity text (PII!)
	LogFile     string `json:"log_file" yaml:"log_file"`         // Empty disables the file sink
	MaxSizeMB   int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups  int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays  int    `json:"max_age_days" yaml:"max_age_days"`
}

// SentryConfig holds error reporting configuration
type SentryConfig struct {
	DSN         string `json:"-" yaml:"-"` // Environment only
	Environment string `json:"environment" yaml:"environment"`
}

// Config holds all configuration for the PII extraction service
type Config struct {
	ServerPort         string          `json:"server_port" yaml:"server_port"`
	MaxTextLength      int             `json:"max_text_length" yaml:"max_text_length"`
	MaxContentLengthMB int             `json:"max_content_length_mb" yaml:"max_content_length_mb"`
	DefaultThreshold   float64         `json:"default_threshold" yaml:"default_threshold"`
	DefaultLabels      []string        `json:"default_labels" yaml:"default_labels"`
	FallbackDetector   string          `json:"fallback_detector" yaml:"fallback_detector"`
	Inference          InferenceConfig `json:"inference" yaml:"inference"`
	Breaker            BreakerConfig   `json:"breaker" yaml:"breaker"`
	RateLimit          RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Logging            LoggingConfig   `json:"logging" yaml:"logging"`
	Sentry             SentryConfig    `json:"sentry" yaml:"sentry"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerPort:         ":5000",
		MaxTextLength:      10000,
		MaxContentLengthMB: 10,
		DefaultThreshold:   0.5,
		DefaultLabels:      nil, // nil means the built-in label list
		FallbackDetector:   "regex_detector",
		Inference: InferenceConfig{
			BaseURL:                 "https://api-inference.huggingface.co/models",
			Model:                   "urchade/gliner_multi_pii-v1",
			TimeoutSeconds:          30,
			MaxAttempts:             3,
			LoadingBackoffSeconds:   10,
			RateLimitBackoffSeconds: 5,
			TimeoutBackoffSeconds:   2,
			WaitForModel:            true,
			UseCache:                false,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			MaxFailures:         5,
			OpenSeconds:         30,
			HalfOpenMaxRequests: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			LogRequests: true,
			LogVerbose:  false,
			LogFile:     "pii_api.log",
			MaxSizeMB:   50,
			MaxBackups:  3,
			MaxAgeDays:  28,
		},
		Sentry: SentryConfig{
			Environment: "production",
		},
	}
}

// Timeout returns the per-attempt network timeout
func (c InferenceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoadingBackoff returns the delay after the backend reports the model is loading
func (c InferenceConfig) LoadingBackoff() time.Duration {
	return secondsToDuration(c.LoadingBackoffSeconds)
}

// RateLimitBackoff returns the delay after the backend rate limits a call
func (c InferenceConfig) RateLimitBackoff() time.Duration {
	return secondsToDuration(c.RateLimitBackoffSeconds)
}

// TimeoutBackoff returns the delay after an attempt timed out
func (c InferenceConfig) TimeoutBackoff() time.Duration {
	return secondsToDuration(c.TimeoutBackoffSeconds)
}

// OpenTimeout returns how long the circuit stays open
func (c BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenSeconds) * time.Second
}

// MaxBodyBytes returns the request body limit in bytes
func (c *Config) MaxBodyBytes() int64 {
	return int64(c.MaxContentLengthMB) * 1024 * 1024
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// LoadFromFile decodes a JSON or YAML (by extension) file on top of cfg
func LoadFromFile(path string, cfg *Config) error {
	// #nosec G304 - Config file path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %w", err)
		}
	}
	return nil
}

// Validate checks that the configuration can be used to start the service
func (c *Config) Validate() error {
	if err := ValidatePort(c.ServerPort, "ServerPort"); err != nil {
		return err
	}
	if c.MaxTextLength < 1 {
		return fmt.Errorf("MaxTextLength: must be positive (current value: %d)", c.MaxTextLength)
	}
	if c.MaxContentLengthMB < 1 {
		return fmt.Errorf("MaxContentLengthMB: must be positive (current value: %d)", c.MaxContentLengthMB)
	}
	if !(c.DefaultThreshold >= 0 && c.DefaultThreshold <= 1) {
		return fmt.Errorf("DefaultThreshold: must be between 0 and 1 (current value: %v)", c.DefaultThreshold)
	}
	if c.FallbackDetector == "" {
		return fmt.Errorf("FallbackDetector: detector name is required")
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("Inference.BaseURL: base URL is required")
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("Inference.Model: model is required")
	}
	if c.Inference.TimeoutSeconds < 1 {
		return fmt.Errorf("Inference.TimeoutSeconds: must be positive (current value: %d)", c.Inference.TimeoutSeconds)
	}
	if c.Inference.MaxAttempts < 1 {
		return fmt.Errorf("Inference.MaxAttempts: must be at least 1 (current value: %d)", c.Inference.MaxAttempts)
	}
	if c.Inference.LoadingBackoffSeconds < 0 || c.Inference.RateLimitBackoffSeconds < 0 || c.Inference.TimeoutBackoffSeconds < 0 {
		return fmt.Errorf("Inference: backoff durations cannot be negative")
	}
	if c.Breaker.Enabled && c.Breaker.MaxFailures < 1 {
		return fmt.Errorf("Breaker.MaxFailures: must be at least 1 (current value: %d)", c.Breaker.MaxFailures)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("RateLimit: requests per second and burst must be positive")
	}
	return nil
}

// ValidatePort checks that port has the ":PORT" form with PORT in 1-65535
func ValidatePort(port string, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}

	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	portNum, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	if portNum < 1 || portNum > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, portNum)
	}
	return nil
}
