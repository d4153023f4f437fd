package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

const TRUE = "true"

// LoadFromEnv overrides configuration with environment variables
func LoadFromEnv(cfg *Config) {
	loadServerConfig(cfg)
	loadInferenceConfig(cfg)
	loadBreakerConfig(cfg)
	loadRateLimitConfig(cfg)
	loadLoggingConfig(cfg)
	loadSentryConfig(cfg)
}

// loadServerConfig loads request handling configuration from environment variables
func loadServerConfig(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if !strings.HasPrefix(port, ":") {
			port = ":" + port
		}
		cfg.ServerPort = port
	}

	if maxText := os.Getenv("MAX_TEXT_LENGTH"); maxText != "" {
		if n, err := strconv.Atoi(maxText); err == nil {
			cfg.MaxTextLength = n
		}
	}

	if maxContent := os.Getenv("MAX_CONTENT_LENGTH"); maxContent != "" {
		if n, err := strconv.Atoi(maxContent); err == nil {
			cfg.MaxContentLengthMB = n
		}
	}

	if threshold := os.Getenv("DEFAULT_THRESHOLD"); threshold != "" {
		if f, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.DefaultThreshold = f
		}
	}

	if labels := os.Getenv("DEFAULT_LABELS"); labels != "" {
		var parsed []string
		for _, label := range strings.Split(labels, ",") {
			if label = strings.TrimSpace(label); label != "" {
				parsed = append(parsed, label)
			}
		}
		cfg.DefaultLabels = parsed
	}

	if detector := os.Getenv("FALLBACK_DETECTOR"); detector != "" {
		cfg.FallbackDetector = detector
	}
}

// loadInferenceConfig loads inference backend configuration from environment variables
func loadInferenceConfig(cfg *Config) {
	if baseURL := os.Getenv("INFERENCE_BASE_URL"); baseURL != "" {
		cfg.Inference.BaseURL = baseURL
	}

	if model := os.Getenv("MODEL_NAME"); model != "" {
		cfg.Inference.Model = model
	}

	if token := os.Getenv("HF_API_TOKEN"); token != "" {
		cfg.Inference.APIToken = token
	} else if token := os.Getenv("INFERENCE_API_TOKEN"); token != "" {
		cfg.Inference.APIToken = token
	}
	if cfg.Inference.APIToken == "" {
		log.Printf("Warning: HF_API_TOKEN is empty or not set, extraction will use the local fallback detector")
	}

	if timeout := os.Getenv("INFERENCE_TIMEOUT_SECONDS"); timeout != "" {
		if n, err := strconv.Atoi(timeout); err == nil {
			cfg.Inference.TimeoutSeconds = n
		}
	}

	if attempts := os.Getenv("INFERENCE_MAX_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil {
			cfg.Inference.MaxAttempts = n
		}
	}
}

// loadBreakerConfig loads circuit breaker configuration from environment variables
func loadBreakerConfig(cfg *Config) {
	if enabled := os.Getenv("BREAKER_ENABLED"); enabled != "" {
		cfg.Breaker.Enabled = enabled == TRUE
	}

	if failures := os.Getenv("BREAKER_MAX_FAILURES"); failures != "" {
		if n, err := strconv.Atoi(failures); err == nil {
			cfg.Breaker.MaxFailures = n
		}
	}

	if open := os.Getenv("BREAKER_OPEN_SECONDS"); open != "" {
		if n, err := strconv.Atoi(open); err == nil {
			cfg.Breaker.OpenSeconds = n
		}
	}
}

// loadRateLimitConfig loads inbound rate limit configuration from environment variables
func loadRateLimitConfig(cfg *Config) {
	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if f, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RateLimit.RequestsPerSecond = f
			cfg.RateLimit.Enabled = f > 0
		}
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if n, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimit.Burst = n
		}
	}
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *Config) {
	if logFile, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Logging.LogFile = logFile
	}

	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == TRUE
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == TRUE
	}
}

// loadSentryConfig loads error reporting configuration from environment variables
func loadSentryConfig(cfg *Config) {
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}

	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		cfg.Sentry.Environment = env
	}
}
