package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hannes/yaak-extract/config"
	"github.com/hannes/yaak-extract/pii"
	detectors "github.com/hannes/yaak-extract/pii/detectors"
)

const serviceName = "PII Extraction Service"

const writeTimeoutMargin = 20 * time.Second

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	extractor  *pii.Extractor
	remote     *detectors.ModelDetector
	breaker    *detectors.CircuitBreakerClient
	limiter    *RateLimiter
	registry   *prometheus.Registry
	normalize  pii.NormalizeOptions
	httpServer *http.Server
}

// NewServer wires the extraction engine from cfg
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	local, err := detectors.NewDetector(cfg.FallbackDetector, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback detector (available: %s): %w",
			strings.Join(detectors.DetectorNames(), ", "), err)
	}

	remote := detectors.NewModelDetector(detectors.ModelDetectorConfig{
		BaseURL:      cfg.Inference.BaseURL,
		Model:        cfg.Inference.Model,
		APIToken:     cfg.Inference.APIToken,
		Timeout:      cfg.Inference.Timeout(),
		WaitForModel: cfg.Inference.WaitForModel,
		UseCache:     cfg.Inference.UseCache,
		Retry: detectors.RetryPolicy{
			MaxAttempts:      cfg.Inference.MaxAttempts,
			LoadingBackoff:   cfg.Inference.LoadingBackoff(),
			RateLimitBackoff: cfg.Inference.RateLimitBackoff(),
			TimeoutBackoff:   cfg.Inference.TimeoutBackoff(),
		},
	})

	var inferrer detectors.Inferrer = remote
	var breaker *detectors.CircuitBreakerClient
	if cfg.Breaker.Enabled {
		breaker = detectors.NewCircuitBreakerClient(remote, detectors.CircuitBreakerConfig{
			MaxFailures:         uint32(cfg.Breaker.MaxFailures),
			OpenTimeout:         cfg.Breaker.OpenTimeout(),
			HalfOpenMaxRequests: uint32(max(cfg.Breaker.HalfOpenMaxRequests, 1)),
		})
		inferrer = breaker
	}

	var limiter *RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	extractor := pii.NewExtractor(inferrer, local,
		pii.WithMetrics(pii.NewMetrics(registry)),
		pii.WithVerboseLogging(cfg.Logging.LogVerbose),
	)

	normalize := pii.DefaultNormalizeOptions()
	normalize.MaxTextLength = cfg.MaxTextLength
	normalize.DefaultThreshold = cfg.DefaultThreshold
	if len(cfg.DefaultLabels) > 0 {
		normalize.DefaultLabels = cfg.DefaultLabels
	}

	return &Server{
		config:    cfg,
		extractor: extractor,
		remote:    remote,
		breaker:   breaker,
		limiter:   limiter,
		registry:  registry,
		normalize: normalize,
	}, nil
}

// Handler returns the routed handler with all middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.Handle("/api/extract", s.limiter.Middleware(http.HandlerFunc(s.handleExtract)))
	mux.HandleFunc("/api/test", s.handleTest)
	mux.Handle("/metrics", s.metricsHandler())
	mux.HandleFunc("/", s.notFound)

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	var handler http.Handler = mux
	handler = withRequestLogging(handler)
	handler = withCORS(handler)
	handler = withRequestID(handler)
	handler = sentryHandler.Handle(handler)
	handler = withRecover(handler)
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Printf("Starting %s on port %s", serviceName, s.config.ServerPort)
	log.Printf("Inference backend: %s", s.remote.Endpoint())
	log.Printf("Fallback detector: %s", s.extractor.FallbackDetector().GetName())
	if s.breaker != nil {
		log.Printf("Circuit breaker enabled (max failures %d, open %s)", s.config.Breaker.MaxFailures, s.config.Breaker.OpenTimeout())
	}
	if s.limiter != nil {
		log.Printf("Rate limit enabled: %.1f req/s, burst %d", s.config.RateLimit.RequestsPerSecond, s.config.RateLimit.Burst)
	}

	s.httpServer = &http.Server{
		Addr:         s.config.ServerPort,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(s.config.Inference),
		IdleTimeout:  60 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// StartWithErrorHandling starts the server with proper error handling
func (s *Server) StartWithErrorHandling() {
	if err := s.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// Shutdown gracefully stops the server and releases resources
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Close closes the detectors and cleans up resources
func (s *Server) Close() error {
	var err error
	if closeErr := s.remote.Close(); closeErr != nil {
		err = closeErr
	}
	if closeErr := detectors.CloseDetector(s.extractor.FallbackDetector()); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// writeTimeout covers the worst case of one extraction: every attempt timing
// out plus the longest backoff between attempts, with headroom for the
// fallback and the response write
func writeTimeout(cfg config.InferenceConfig) time.Duration {
	attempts := max(cfg.MaxAttempts, 1)
	backoff := max(cfg.LoadingBackoff(), cfg.RateLimitBackoff(), cfg.TimeoutBackoff())
	worst := time.Duration(attempts)*cfg.Timeout() + time.Duration(attempts-1)*backoff
	return worst + writeTimeoutMargin
}

func (s *Server) metricsHandler() http.Handler {
	metrics := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, r)
			return
		}
		metrics.ServeHTTP(w, r)
	})
}
