package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultInferenceBaseURL = "https://api-inference.huggingface.co/models"
	DefaultInferenceModel   = "urchade/gliner_multi_pii-v1"
	DefaultInferenceTimeout = 30 * time.Second

	maxBackendMessageLen = 200

	// maxResponseBytes caps how much of a backend reply is read
	maxResponseBytes = 8 << 20
)

// ModelDetectorConfig is the immutable configuration of the remote client
type ModelDetectorConfig struct {
	BaseURL  string
	Model    string
	APIToken string `json:"-"`
	// Timeout bounds each attempt, not the whole call
	Timeout      time.Duration
	WaitForModel bool
	UseCache     bool
	Retry        RetryPolicy
}

// DefaultModelDetectorConfig returns the configuration for the hosted
// GLiNER PII model. The API token must still be supplied.
func DefaultModelDetectorConfig() ModelDetectorConfig {
	return ModelDetectorConfig{
		BaseURL:      DefaultInferenceBaseURL,
		Model:        DefaultInferenceModel,
		Timeout:      DefaultInferenceTimeout,
		WaitForModel: true,
		UseCache:     false,
		Retry:        DefaultRetryPolicy(),
	}
}

// ModelDetector calls a remote model-serving backend for entity recognition
type ModelDetector struct {
	config ModelDetectorConfig
	client *http.Client
	sleep  Sleeper
}

// ModelDetectorOption configures a ModelDetector
type ModelDetectorOption func(*ModelDetector)

// WithHTTPClient replaces the pooled HTTP client
func WithHTTPClient(client *http.Client) ModelDetectorOption {
	return func(m *ModelDetector) { m.client = client }
}

// WithSleeper replaces the sleep used between attempts
func WithSleeper(sleep Sleeper) ModelDetectorOption {
	return func(m *ModelDetector) { m.sleep = sleep }
}

func NewModelDetector(config ModelDetectorConfig, opts ...ModelDetectorOption) *ModelDetector {
	if config.Timeout <= 0 {
		config.Timeout = DefaultInferenceTimeout
	}
	if config.Retry.MaxAttempts < 1 {
		config.Retry.MaxAttempts = 1
	}

	m := &ModelDetector{
		config: config,
		client: &http.Client{},
		sleep:  ContextSleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetName returns the name of this detector
func (m *ModelDetector) GetName() string {
	return DetectorNameModel
}

// Model returns the configured model identifier
func (m *ModelDetector) Model() string {
	return m.config.Model
}

// Endpoint returns the URL inference calls are posted to
func (m *ModelDetector) Endpoint() string {
	return strings.TrimSuffix(m.config.BaseURL, "/") + "/" + strings.TrimPrefix(m.config.Model, "/")
}

type inferencePayload struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
	Options    inferenceOptions    `json:"options"`
}

type inferenceParameters struct {
	Labels    []string `json:"labels"`
	Threshold float64  `json:"threshold"`
	FlatNER   bool     `json:"flat_ner"`
}

type inferenceOptions struct {
	WaitForModel bool `json:"wait_for_model"`
	UseCache     bool `json:"use_cache"`
}

// Infer runs one inference call with bounded retries. Every failure
// attributable to the backend is a *BackendError; cancellation of ctx is
// returned as the context error.
func (m *ModelDetector) Infer(ctx context.Context, req InferenceRequest) (InferenceResult, error) {
	if m.config.APIToken == "" {
		return InferenceResult{}, &BackendError{
			Kind:    KindMissingCredential,
			Message: "inference API token is not configured",
		}
	}

	payload, err := json.Marshal(inferencePayload{
		Inputs: req.Text,
		Parameters: inferenceParameters{
			Labels:    req.Labels,
			Threshold: req.Threshold,
			FlatNER:   req.FlatNER,
		},
		Options: inferenceOptions{
			WaitForModel: m.config.WaitForModel,
			UseCache:     m.config.UseCache,
		},
	})
	if err != nil {
		return InferenceResult{}, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	policy := m.config.Retry
	state := &retryState{}
	for state.attempt < policy.MaxAttempts {
		state.attempt++
		outcome := m.attempt(ctx, payload, req.Threshold)
		state.record(outcome)

		switch outcome.action {
		case actionDone:
			outcome.result.Attempts = state.attempt
			return outcome.result, nil
		case actionFail:
			return InferenceResult{Attempts: state.attempt}, outcome.err
		}

		if state.attempt >= policy.MaxAttempts {
			break
		}

		log.Printf("[Inference] ⚠️  Attempt %d/%d: backend %s, retrying in %s",
			state.attempt, policy.MaxAttempts, outcome.class, outcome.delay)
		if err := m.sleep(ctx, outcome.delay); err != nil {
			return InferenceResult{Attempts: state.attempt}, err
		}
	}

	log.Printf("[Inference] ❌ Giving up after %d attempts (last: %s)", state.attempt, state.lastClass)
	return InferenceResult{Attempts: state.attempt}, state.exhausted()
}

// attempt performs a single POST to the backend and classifies the outcome
func (m *ModelDetector) attempt(ctx context.Context, payload []byte, threshold float64) attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, m.Endpoint(), bytes.NewReader(payload))
	if err != nil {
		return failOutcome(&BackendError{
			Kind:    KindTransport,
			Message: fmt.Sprintf("failed to create request: %v", err),
			Err:     err,
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+m.config.APIToken)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return m.transportOutcome(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return m.transportOutcome(ctx, err)
	}
	if len(body) > maxResponseBytes {
		return failOutcome(&BackendError{
			Kind:    KindMalformedResponse,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("response exceeds %d bytes", maxResponseBytes),
		})
	}

	class := classifyStatus(resp.StatusCode)
	if class == classSuccess {
		records, malformed, err := decodeEntityRecords(body)
		if err != nil {
			return failOutcome(&BackendError{
				Kind:    KindMalformedResponse,
				Status:  resp.StatusCode,
				Message: fmt.Sprintf("failed to decode response: %v", err),
				Err:     err,
			})
		}
		return attemptOutcome{
			action: actionDone,
			class:  classSuccess,
			status: resp.StatusCode,
			result: InferenceResult{
				Entities:  normalizeEntities(records, threshold),
				Malformed: malformed,
			},
		}
	}

	backendErr := &BackendError{
		Kind:    kindForClass(class),
		Status:  resp.StatusCode,
		Message: backendMessage(resp.StatusCode, body),
	}
	if delay, ok := m.config.Retry.delayFor(class); ok {
		return attemptOutcome{
			action: actionRetry,
			class:  class,
			status: resp.StatusCode,
			delay:  delay,
			err:    backendErr,
		}
	}
	out := failOutcome(backendErr)
	out.status = resp.StatusCode
	return out
}

// transportOutcome classifies an error raised before a full response was read
func (m *ModelDetector) transportOutcome(ctx context.Context, err error) attemptOutcome {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return attemptOutcome{action: actionFail, class: classFatal, err: ctxErr}
	}

	if isTimeout(err) {
		delay, _ := m.config.Retry.delayFor(classTimeout)
		return attemptOutcome{
			action: actionRetry,
			class:  classTimeout,
			delay:  delay,
			err: &BackendError{
				Kind:    KindTimeout,
				Message: fmt.Sprintf("no response within %s", m.config.Timeout),
				Err:     err,
			},
		}
	}

	return failOutcome(&BackendError{
		Kind:    KindTransport,
		Message: fmt.Sprintf("request failed: %v", err),
		Err:     err,
	})
}

func failOutcome(err *BackendError) attemptOutcome {
	return attemptOutcome{action: actionFail, class: classFatal, err: err}
}

func kindForClass(class statusClass) BackendErrorKind {
	switch class {
	case classLoading:
		return KindLoading
	case classRateLimited:
		return KindRateLimited
	case classTimeout:
		return KindTimeout
	default:
		return KindFatalStatus
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// backendMessage extracts the backend's "error" field, falling back to a
// truncated body or the status text
func backendMessage(status int, body []byte) string {
	var errBody map[string]interface{}
	if err := json.Unmarshal(body, &errBody); err == nil {
		switch v := errBody["error"].(type) {
		case string:
			return v
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			return strings.Join(parts, "; ")
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return http.StatusText(status)
	}
	if len(msg) > maxBackendMessageLen {
		msg = msg[:maxBackendMessageLen]
	}
	return msg
}

// Close releases idle connections to the backend
func (m *ModelDetector) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
