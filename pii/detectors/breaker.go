package pii

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds the configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failed Infer calls that trips
	// the circuit. Retries inside one call count once.
	MaxFailures uint32

	// OpenTimeout is how long the circuit stays open before turning half-open.
	OpenTimeout time.Duration

	// HalfOpenMaxRequests is the number of probe calls admitted while half-open.
	HalfOpenMaxRequests uint32
}

// DefaultCircuitBreakerConfig returns 5 failures, 30s open, 1 probe.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreakerClient wraps an Inferrer with gobreaker. While the circuit
// is open calls fail fast with a circuit_open BackendError.
type CircuitBreakerClient struct {
	next    Inferrer
	breaker *gobreaker.CircuitBreaker
}

func NewCircuitBreakerClient(next Inferrer, config CircuitBreakerConfig) *CircuitBreakerClient {
	if config.MaxFailures == 0 {
		config.MaxFailures = 1
	}

	settings := gobreaker.Settings{
		Name:        "InferenceBackend",
		MaxRequests: config.HalfOpenMaxRequests,
		Interval:    0, // Don't clear counts periodically
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("[Inference] Circuit breaker %s: %s -> %s", name, from, to)
		},
	}

	return &CircuitBreakerClient{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// countsAsSuccess keeps caller cancellations and configuration errors from
// tripping the circuit; only backend failures count.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		return true
	}
	return backendErr.Kind == KindMissingCredential
}

// Infer runs the wrapped Inferrer through the circuit breaker
func (c *CircuitBreakerClient) Infer(ctx context.Context, req InferenceRequest) (InferenceResult, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.next.Infer(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return InferenceResult{}, &BackendError{
			Kind:    KindCircuitOpen,
			Message: "circuit breaker is open",
			Err:     err,
		}
	}

	result, _ := out.(InferenceResult)
	return result, err
}

// State returns "closed", "open" or "half-open"
func (c *CircuitBreakerClient) State() string {
	return c.breaker.State().String()
}
