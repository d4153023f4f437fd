package pii

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSleeper records requested delays without sleeping
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// scriptedBackend answers with the given responses in order, repeating the
// last one once the script runs out
type scriptedBackend struct {
	mu        sync.Mutex
	responses []scriptedResponse
	calls     int
	payloads  []inferencePayload
	headers   []http.Header
	paths     []string
}

type scriptedResponse struct {
	status int
	body   string
}

func (b *scriptedBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var payload inferencePayload
	_ = json.NewDecoder(r.Body).Decode(&payload)

	b.mu.Lock()
	idx := b.calls
	if idx >= len(b.responses) {
		idx = len(b.responses) - 1
	}
	resp := b.responses[idx]
	b.calls++
	b.payloads = append(b.payloads, payload)
	b.headers = append(b.headers, r.Header.Clone())
	b.paths = append(b.paths, r.URL.Path)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = w.Write([]byte(resp.body))
}

func (b *scriptedBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestModelDetector(baseURL string, sleeper *recordingSleeper) *ModelDetector {
	cfg := DefaultModelDetectorConfig()
	cfg.BaseURL = baseURL
	cfg.Model = "test/model"
	cfg.APIToken = "hf_test"
	cfg.Timeout = 2 * time.Second
	return NewModelDetector(cfg, WithSleeper(sleeper.sleep))
}

func testInferenceRequest() InferenceRequest {
	return InferenceRequest{
		Text:      "Contact John Doe at john@example.com",
		Labels:    []string{"person", "email"},
		Threshold: 0.5,
		FlatNER:   true,
	}
}

func asBackendError(t *testing.T, err error) *BackendError {
	t.Helper()
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected *BackendError, got %T: %v", err, err)
	}
	return backendErr
}

func TestModelDetector_Infer_Success(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{{
		status: http.StatusOK,
		body: `[{"entity_group":"person","word":"John Doe","start":8,"end":16,"score":0.98},
			{"label":"email","text":"john@example.com","start":20,"end":36,"score":0.91},
			{"label":"person","text":"Contact","start":0,"end":7,"score":0.12}]`,
	}}}
	server := httptest.NewServer(backend)
	defer server.Close()

	sleeper := &recordingSleeper{}
	detector := newTestModelDetector(server.URL, sleeper)

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if result.Malformed {
		t.Error("expected well-formed response")
	}
	if len(result.Entities) != 2 {
		t.Fatalf("expected 2 entities above threshold, got %d: %+v", len(result.Entities), result.Entities)
	}
	if result.Entities[0].Label != "person" || result.Entities[0].Text != "John Doe" {
		t.Errorf("unexpected first entity %+v", result.Entities[0])
	}
	if result.Entities[1].Label != "email" || result.Entities[1].StartPos != 20 || result.Entities[1].EndPos != 36 {
		t.Errorf("unexpected second entity %+v", result.Entities[1])
	}
	if len(sleeper.recorded()) != 0 {
		t.Errorf("expected no sleeps, got %v", sleeper.recorded())
	}

	// Verify what was sent to the backend
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.paths[0] != "/test/model" {
		t.Errorf("expected path /test/model, got %s", backend.paths[0])
	}
	if got := backend.headers[0].Get("Authorization"); got != "Bearer hf_test" {
		t.Errorf("expected bearer token header, got %q", got)
	}
	if got := backend.headers[0].Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}
	payload := backend.payloads[0]
	if payload.Inputs != testInferenceRequest().Text {
		t.Errorf("expected inputs to be the request text, got %q", payload.Inputs)
	}
	if strings.Join(payload.Parameters.Labels, ",") != "person,email" {
		t.Errorf("expected labels [person email], got %v", payload.Parameters.Labels)
	}
	if payload.Parameters.Threshold != 0.5 || !payload.Parameters.FlatNER {
		t.Errorf("unexpected parameters %+v", payload.Parameters)
	}
	if !payload.Options.WaitForModel || payload.Options.UseCache {
		t.Errorf("unexpected options %+v", payload.Options)
	}
}

func TestModelDetector_Infer_LoadingExhaustsAttempts(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{
		{status: http.StatusServiceUnavailable, body: `{"error":"Model is currently loading","estimated_time":20}`},
	}}
	server := httptest.NewServer(backend)
	defer server.Close()

	sleeper := &recordingSleeper{}
	detector := newTestModelDetector(server.URL, sleeper)

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindMaxRetries {
		t.Errorf("expected kind %s, got %s", KindMaxRetries, backendErr.Kind)
	}
	if backendErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected last status 503, got %d", backendErr.Status)
	}
	if backend.callCount() != 3 {
		t.Errorf("expected exactly 3 attempts against the backend, got %d", backend.callCount())
	}
	if result.Attempts != 3 {
		t.Errorf("expected result to report 3 attempts, got %d", result.Attempts)
	}

	// No sleep after the final attempt
	delays := sleeper.recorded()
	if len(delays) != 2 || delays[0] != 10*time.Second || delays[1] != 10*time.Second {
		t.Errorf("expected two 10s delays, got %v", delays)
	}
}

func TestModelDetector_Infer_RecoversAfterLoading(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{
		{status: http.StatusServiceUnavailable, body: `{"error":"loading"}`},
		{status: http.StatusOK, body: `[{"label":"person","text":"John","start":8,"end":12,"score":0.9}]`},
	}}
	server := httptest.NewServer(backend)
	defer server.Close()

	sleeper := &recordingSleeper{}
	detector := newTestModelDetector(server.URL, sleeper)

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	if len(result.Entities) != 1 {
		t.Errorf("expected 1 entity, got %d", len(result.Entities))
	}
	if delays := sleeper.recorded(); len(delays) != 1 || delays[0] != 10*time.Second {
		t.Errorf("expected one 10s delay, got %v", delays)
	}
}

func TestModelDetector_Infer_RateLimited(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{
		{status: http.StatusTooManyRequests, body: `{"error":"Rate limit reached"}`},
	}}
	server := httptest.NewServer(backend)
	defer server.Close()

	sleeper := &recordingSleeper{}
	detector := newTestModelDetector(server.URL, sleeper)

	_, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindMaxRetries {
		t.Errorf("expected kind %s, got %s", KindMaxRetries, backendErr.Kind)
	}
	if delays := sleeper.recorded(); len(delays) != 2 || delays[0] != 5*time.Second {
		t.Errorf("expected two 5s delays, got %v", delays)
	}
}

func TestModelDetector_Infer_FatalStatus(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"bad request with error field", http.StatusBadRequest, `{"error":"labels missing"}`, "labels missing"},
		{"error list", http.StatusUnprocessableEntity, `{"error":["a","b"]}`, "a; b"},
		{"unauthorized plain text", http.StatusUnauthorized, `invalid token`, "invalid token"},
		{"server error empty body", http.StatusInternalServerError, ``, "Internal Server Error"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &scriptedBackend{responses: []scriptedResponse{{status: tc.status, body: tc.body}}}
			server := httptest.NewServer(backend)
			defer server.Close()

			sleeper := &recordingSleeper{}
			detector := newTestModelDetector(server.URL, sleeper)

			result, err := detector.Infer(context.Background(), testInferenceRequest())
			backendErr := asBackendError(t, err)
			if backendErr.Kind != KindFatalStatus {
				t.Errorf("expected kind %s, got %s", KindFatalStatus, backendErr.Kind)
			}
			if backendErr.Status != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, backendErr.Status)
			}
			if backendErr.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, backendErr.Message)
			}
			if backend.callCount() != 1 || result.Attempts != 1 {
				t.Errorf("expected a single attempt, got %d calls and %d attempts", backend.callCount(), result.Attempts)
			}
			if len(sleeper.recorded()) != 0 {
				t.Errorf("expected no sleeps, got %v", sleeper.recorded())
			}
		})
	}
}

func TestModelDetector_Infer_MalformedBody(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{{status: http.StatusOK, body: `<html>not json</html>`}}}
	server := httptest.NewServer(backend)
	defer server.Close()

	detector := newTestModelDetector(server.URL, &recordingSleeper{})

	_, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindMalformedResponse {
		t.Errorf("expected kind %s, got %s", KindMalformedResponse, backendErr.Kind)
	}
	if backend.callCount() != 1 {
		t.Errorf("expected a single attempt, got %d", backend.callCount())
	}
}

func TestModelDetector_Infer_OversizedBody(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("[" + strings.Repeat(" ", maxResponseBytes) + "]"))
	}))
	defer server.Close()

	detector := newTestModelDetector(server.URL, &recordingSleeper{})

	_, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindMalformedResponse {
		t.Errorf("expected kind %s, got %s", KindMalformedResponse, backendErr.Kind)
	}
	if !strings.Contains(backendErr.Message, "exceeds") {
		t.Errorf("expected size limit message, got %q", backendErr.Message)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected a single attempt, got %d", atomic.LoadInt32(&calls))
	}
}

func TestModelDetector_Infer_NonListResponse(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{{status: http.StatusOK, body: `{"unexpected":true}`}}}
	server := httptest.NewServer(backend)
	defer server.Close()

	detector := newTestModelDetector(server.URL, &recordingSleeper{})

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.Malformed {
		t.Error("expected Malformed to be set")
	}
	if len(result.Entities) != 0 {
		t.Errorf("expected no entities, got %d", len(result.Entities))
	}
}

func TestModelDetector_Infer_MissingToken(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	cfg := DefaultModelDetectorConfig()
	cfg.BaseURL = server.URL
	detector := NewModelDetector(cfg, WithSleeper((&recordingSleeper{}).sleep))

	_, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindMissingCredential {
		t.Errorf("expected kind %s, got %s", KindMissingCredential, backendErr.Kind)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected no backend calls, got %d", calls)
	}
}

func TestModelDetector_Infer_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	sleeper := &recordingSleeper{}
	detector := newTestModelDetector(baseURL, sleeper)

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindTransport {
		t.Errorf("expected kind %s, got %s", KindTransport, backendErr.Kind)
	}
	if result.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", result.Attempts)
	}
	if len(sleeper.recorded()) != 0 {
		t.Errorf("expected no sleeps, got %v", sleeper.recorded())
	}
}

func TestModelDetector_Infer_Timeout(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	sleeper := &recordingSleeper{}
	cfg := DefaultModelDetectorConfig()
	cfg.BaseURL = server.URL
	cfg.Model = "test/model"
	cfg.APIToken = "hf_test"
	cfg.Timeout = 50 * time.Millisecond
	detector := NewModelDetector(cfg, WithSleeper(sleeper.sleep))

	result, err := detector.Infer(context.Background(), testInferenceRequest())
	backendErr := asBackendError(t, err)
	if backendErr.Kind != KindTimeout {
		t.Errorf("expected kind %s, got %s", KindTimeout, backendErr.Kind)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if delays := sleeper.recorded(); len(delays) != 2 || delays[0] != 2*time.Second {
		t.Errorf("expected two 2s delays, got %v", delays)
	}
}

func TestModelDetector_Infer_CanceledContext(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{{status: http.StatusOK, body: `[]`}}}
	server := httptest.NewServer(backend)
	defer server.Close()

	detector := newTestModelDetector(server.URL, &recordingSleeper{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := detector.Infer(ctx, testInferenceRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var backendErr *BackendError
	if errors.As(err, &backendErr) {
		t.Error("expected cancellation not to be reported as a backend error")
	}
}

func TestModelDetector_Infer_CanceledDuringBackoff(t *testing.T) {
	backend := &scriptedBackend{responses: []scriptedResponse{{status: http.StatusServiceUnavailable, body: `{}`}}}
	server := httptest.NewServer(backend)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultModelDetectorConfig()
	cfg.BaseURL = server.URL
	cfg.APIToken = "hf_test"
	detector := NewModelDetector(cfg, WithSleeper(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	result, err := detector.Infer(ctx, testInferenceRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Attempts != 1 || backend.callCount() != 1 {
		t.Errorf("expected 1 attempt, got %d (%d calls)", result.Attempts, backend.callCount())
	}
}

func TestModelDetector_Endpoint(t *testing.T) {
	testCases := []struct {
		baseURL  string
		model    string
		expected string
	}{
		{"https://api-inference.huggingface.co/models", "urchade/gliner_multi_pii-v1", "https://api-inference.huggingface.co/models/urchade/gliner_multi_pii-v1"},
		{"http://localhost:8080/", "m", "http://localhost:8080/m"},
		{"http://localhost:8080", "/m", "http://localhost:8080/m"},
	}

	for _, tc := range testCases {
		detector := NewModelDetector(ModelDetectorConfig{BaseURL: tc.baseURL, Model: tc.model})
		if got := detector.Endpoint(); got != tc.expected {
			t.Errorf("Endpoint() = %s, expected %s", got, tc.expected)
		}
	}
}

func TestNewModelDetector_Defaults(t *testing.T) {
	detector := NewModelDetector(ModelDetectorConfig{Model: "m"})
	if detector.config.Timeout != DefaultInferenceTimeout {
		t.Errorf("expected default timeout, got %s", detector.config.Timeout)
	}
	if detector.config.Retry.MaxAttempts != 1 {
		t.Errorf("expected at least one attempt, got %d", detector.config.Retry.MaxAttempts)
	}
	if detector.GetName() != DetectorNameModel {
		t.Errorf("expected name %s, got %s", DetectorNameModel, detector.GetName())
	}
	if err := detector.Close(); err != nil {
		t.Errorf("expected no error on close, got %v", err)
	}
}

func TestBackendMessage_Truncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	if got := backendMessage(http.StatusBadGateway, []byte(long)); len(got) != maxBackendMessageLen {
		t.Errorf("expected message truncated to %d, got %d", maxBackendMessageLen, len(got))
	}
}
