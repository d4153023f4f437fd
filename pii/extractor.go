package pii

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	detectors "github.com/hannes/yaak-extract/pii/detectors"
)

// Method identifies which path produced an extraction result
type Method string

const (
	MethodRemote        Method = "remote"
	MethodLocalFallback Method = "local_fallback"
)

// ExtractionResult is returned to the HTTP boundary and never mutated after
type ExtractionResult struct {
	Text           string
	Entities       []detectors.Entity
	MethodUsed     Method
	ProcessingTime float64 // seconds, rounded to two decimals
	EntityCount    int
}

// ExtractionError is an unrecovered extraction failure. It carries the
// elapsed time so callers can tell slow failures from fast ones.
type ExtractionError struct {
	Err            error
	ProcessingTime float64
}

func (e *ExtractionError) Error() string {
	return e.Err.Error()
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor coordinates the remote inference client and the local fallback
// detector. It holds no per-request state and is safe for concurrent use.
type Extractor struct {
	remote  detectors.Inferrer
	local   detectors.Detector
	metrics *Metrics
	now     func() time.Time
	verbose bool
}

// ExtractorOption configures an Extractor
type ExtractorOption func(*Extractor)

// WithMetrics records every extraction on m
func WithMetrics(m *Metrics) ExtractorOption {
	return func(e *Extractor) { e.metrics = m }
}

// WithClock replaces time.Now for measuring processing time
func WithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) { e.now = now }
}

// WithVerboseLogging logs every detected entity. The entity text is PII.
func WithVerboseLogging(verbose bool) ExtractorOption {
	return func(e *Extractor) { e.verbose = verbose }
}

func NewExtractor(remote detectors.Inferrer, local detectors.Detector, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		remote: remote,
		local:  local,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FallbackDetector returns the local detector used when the backend fails
func (e *Extractor) FallbackDetector() detectors.Detector {
	return e.local
}

// Extract runs the remote backend and, when it fails with a BackendError and
// the request allows it, the local detector. This is the only place a
// backend failure becomes a successful result.
func (e *Extractor) Extract(ctx context.Context, req ExtractionRequest) (ExtractionResult, error) {
	start := e.now()

	inference, err := e.remote.Infer(ctx, detectors.InferenceRequest{
		Text:      req.Text,
		Labels:    req.Labels,
		Threshold: req.Threshold,
		FlatNER:   !req.NestedNER,
	})

	method := MethodRemote
	entities := inference.Entities
	if err == nil && inference.Malformed {
		log.Printf("[Extractor] ⚠️  Backend returned a response that is not a list of entities, treating as no entities")
	}

	if err != nil {
		var backendErr *detectors.BackendError
		if !errors.As(err, &backendErr) {
			return ExtractionResult{}, e.fail(start, failureKind(err), inference.Attempts, err)
		}
		if !req.AllowFallback {
			log.Printf("[Extractor] ❌ Backend failed (%s) and fallback is disabled: %v", backendErr.Kind, err)
			return ExtractionResult{}, e.fail(start, string(backendErr.Kind), inference.Attempts, err)
		}

		log.Printf("[Extractor] ⚠️  Backend failed (%s): %v, falling back to %s", backendErr.Kind, err, e.local.GetName())
		output, localErr := e.local.Detect(ctx, detectors.DetectorInput{Text: req.Text})
		if localErr != nil {
			localErr = fmt.Errorf("fallback detector %s failed: %w", e.local.GetName(), localErr)
			return ExtractionResult{}, e.fail(start, "fallback_detector", inference.Attempts, localErr)
		}
		method = MethodLocalFallback
		entities = output.Entities
	}

	if entities == nil {
		entities = []detectors.Entity{}
	}
	elapsed := e.elapsed(start)

	if e.verbose {
		for _, entity := range entities {
			log.Printf("[Extractor] %s %q [%d:%d] %.2f", entity.Label, entity.Text, entity.StartPos, entity.EndPos, entity.Confidence)
		}
	}
	e.metrics.recordSuccess(method, elapsed, len(entities), inference.Attempts)

	return ExtractionResult{
		Text:           req.Text,
		Entities:       entities,
		MethodUsed:     method,
		ProcessingTime: elapsed,
		EntityCount:    len(entities),
	}, nil
}

func (e *Extractor) fail(start time.Time, kind string, attempts int, err error) *ExtractionError {
	e.metrics.recordFailure(kind, attempts)
	return &ExtractionError{
		Err:            err,
		ProcessingTime: e.elapsed(start),
	}
}

func (e *Extractor) elapsed(start time.Time) float64 {
	seconds := e.now().Sub(start).Seconds()
	if seconds < 0 {
		seconds = 0
	}
	return math.Round(seconds*100) / 100
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "internal"
	}
}
