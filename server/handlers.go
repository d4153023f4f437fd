package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/getsentry/sentry-go"

	"github.com/hannes/yaak-extract/pii"
	detectors "github.com/hannes/yaak-extract/pii/detectors"
)

// testSampleText is scanned by /api/test to smoke test the local detector
const testSampleText = "Contact John Doe at john.doe@example.com or call 555-123-4567. SSN: 123-45-6789."

type entityResponse struct {
	Entity string  `json:"entity"`
	Word   string  `json:"word"`
	Start  int     `json:"start"`
	End    int     `json:"end"`
	Score  float64 `json:"score"`
}

type extractResponse struct {
	Text           string           `json:"text"`
	Entities       []entityResponse `json:"entities"`
	MethodUsed     pii.Method       `json:"method_used"`
	ProcessingTime float64          `json:"processing_time"`
	EntityCount    int              `json:"entity_count"`
}

type testResponse struct {
	Text        string           `json:"text"`
	Entities    []entityResponse `json:"entities"`
	EntityCount int              `json:"entity_count"`
	Detector    string           `json:"detector"`
}

type errorResponse struct {
	Error          string   `json:"error"`
	ProcessingTime *float64 `json:"processing_time,omitempty"`
}

func toEntityResponses(entities []detectors.Entity) []entityResponse {
	out := make([]entityResponse, 0, len(entities))
	for _, e := range entities {
		out = append(out, entityResponse{
			Entity: e.Label,
			Word:   e.Text,
			Start:  e.StartPos,
			End:    e.EndPos,
			Score:  e.Confidence,
		})
	}
	return out
}

// handleExtract extracts PII entities from the text in the request body
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	requestID := RequestIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Request body too large"})
			return
		}
		log.Printf("[Server] [%s] ❌ Failed to read request body: %v", requestID, err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read request body"})
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No JSON data provided"})
		return
	}

	var raw pii.RawRequest
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		log.Printf("[Server] [%s] Invalid JSON in request", requestID)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON"})
		return
	}

	req, err := pii.Normalize(raw, s.normalize)
	if err != nil {
		var validationErr *pii.ValidationError
		if errors.As(err, &validationErr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationErr.Error()})
			return
		}
		s.internalError(w, r, err, 0)
		return
	}

	if s.config.Logging.LogRequests {
		log.Printf("[Server] [%s] Processing PII extraction request: %d chars, %d labels, threshold=%.2f, fallback=%t",
			requestID, len([]rune(req.Text)), len(req.Labels), req.Threshold, req.AllowFallback)
	}

	result, err := s.extractor.Extract(r.Context(), req)
	if err != nil {
		var extractionErr *pii.ExtractionError
		elapsed := 0.0
		if errors.As(err, &extractionErr) {
			elapsed = extractionErr.ProcessingTime
		}
		s.internalError(w, r, err, elapsed)
		return
	}

	if s.config.Logging.LogRequests {
		log.Printf("[Server] [%s] PII extraction completed: %d entities found via %s in %.2fs",
			requestID, result.EntityCount, result.MethodUsed, result.ProcessingTime)
	}

	writeJSON(w, http.StatusOK, extractResponse{
		Text:           result.Text,
		Entities:       toEntityResponses(result.Entities),
		MethodUsed:     result.MethodUsed,
		ProcessingTime: result.ProcessingTime,
		EntityCount:    result.EntityCount,
	})
}

// healthCheck provides a simple health check endpoint. It never fails.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	breakerState := "disabled"
	if s.breaker != nil {
		breakerState = s.breaker.State()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"service":           serviceName,
		"model":             s.remote.Model(),
		"fallback_detector": s.extractor.FallbackDetector().GetName(),
		"circuit_breaker":   breakerState,
	})
}

// handleTest runs the local detector on a fixed sample
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	detector := s.extractor.FallbackDetector()
	output, err := detector.Detect(r.Context(), detectors.DetectorInput{Text: testSampleText})
	if err != nil {
		s.internalError(w, r, err, 0)
		return
	}

	writeJSON(w, http.StatusOK, testResponse{
		Text:        output.Text,
		Entities:    toEntityResponses(output.Entities),
		EntityCount: len(output.Entities),
		Detector:    detector.GetName(),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed"})
}

// internalError logs err, reports it to Sentry and writes a 500 with the
// elapsed processing time
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error, elapsed float64) {
	log.Printf("[Server] [%s] ❌ Error processing request: %v", RequestIDFromContext(r.Context()), err)
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:          err.Error(),
		ProcessingTime: &elapsed,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Server] Failed to write response: %v", err)
	}
}
