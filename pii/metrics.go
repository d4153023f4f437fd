package pii

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the extraction engine.
//
// All metrics are prefixed with "pii_":
//   - pii_extractions_total{method} - completed extractions by method
//   - pii_extraction_failures_total{kind} - extractions that returned an error
//   - pii_extraction_duration_seconds{method} - wall clock time per extraction
//   - pii_entities_detected_total{method} - entities returned to callers
//   - pii_backend_attempts_total - attempts made against the inference backend
type Metrics struct {
	ExtractionsTotal   *prometheus.CounterVec
	FailuresTotal      *prometheus.CounterVec
	ExtractionDuration *prometheus.HistogramVec
	EntitiesTotal      *prometheus.CounterVec
	BackendAttempts    prometheus.Counter
}

// NewMetrics registers the extraction metrics on reg. Each registry may only
// be used once; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExtractionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_extractions_total",
				Help: "Total number of completed PII extractions",
			},
			[]string{"method"}, // "remote" or "local_fallback"
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_extraction_failures_total",
				Help: "Total number of PII extractions that failed",
			},
			[]string{"kind"},
		),
		ExtractionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pii_extraction_duration_seconds",
				Help:    "Duration of PII extractions in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		),
		EntitiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pii_entities_detected_total",
				Help: "Total number of PII entities returned",
			},
			[]string{"method"},
		),
		BackendAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pii_backend_attempts_total",
				Help: "Total number of attempts made against the inference backend",
			},
		),
	}
}

func (m *Metrics) recordSuccess(method Method, seconds float64, entities, attempts int) {
	if m == nil {
		return
	}
	m.ExtractionsTotal.WithLabelValues(string(method)).Inc()
	m.ExtractionDuration.WithLabelValues(string(method)).Observe(seconds)
	m.EntitiesTotal.WithLabelValues(string(method)).Add(float64(entities))
	m.BackendAttempts.Add(float64(attempts))
}

func (m *Metrics) recordFailure(kind string, attempts int) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
	m.BackendAttempts.Add(float64(attempts))
}
