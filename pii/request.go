package pii

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxTextLength = 10000
	DefaultThreshold     = 0.5
)

// DefaultLabels are used when a request does not name any labels
var DefaultLabels = []string{
	"person", "organization", "address", "email", "phone number",
	"social security number", "credit card number", "passport number",
	"driver license", "bank account number", "date of birth",
	"medical record number", "insurance policy number", "property registration number",
	"employee ID number", "tax ID number", "full address", "personally identifiable information",
}

// ValidationError names the request field that was rejected
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RawRequest is the loosely typed body of an extraction request
type RawRequest struct {
	Text        json.RawMessage `json:"text,omitempty"`
	Labels      json.RawMessage `json:"labels,omitempty"`
	Threshold   json.RawMessage `json:"threshold,omitempty"`
	UseFallback json.RawMessage `json:"use_fallback,omitempty"`
	NestedNER   json.RawMessage `json:"nested_ner,omitempty"`
}

// ExtractionRequest is a validated request ready for the Extractor
type ExtractionRequest struct {
	Text          string
	Labels        []string
	Threshold     float64
	AllowFallback bool
	NestedNER     bool
}

// NormalizeOptions carries the read-only defaults the normalizer applies
type NormalizeOptions struct {
	MaxTextLength    int
	DefaultLabels    []string
	DefaultThreshold float64
}

// DefaultNormalizeOptions returns the built-in limits and defaults
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{
		MaxTextLength:    DefaultMaxTextLength,
		DefaultLabels:    DefaultLabels,
		DefaultThreshold: DefaultThreshold,
	}
}

// Normalize validates raw and fills in defaults
func Normalize(raw RawRequest, opts NormalizeOptions) (ExtractionRequest, error) {
	text, err := parseText(raw.Text)
	if err != nil {
		return ExtractionRequest{}, err
	}
	if opts.MaxTextLength > 0 && utf8.RuneCountInString(text) > opts.MaxTextLength {
		return ExtractionRequest{}, &ValidationError{Field: "text", Message: "text too long"}
	}

	labels, err := parseLabels(raw.Labels)
	if err != nil {
		return ExtractionRequest{}, err
	}
	if len(labels) == 0 {
		labels = append([]string(nil), opts.DefaultLabels...)
	}
	if len(labels) == 0 {
		labels = append([]string(nil), DefaultLabels...)
	}

	threshold, err := parseThreshold(raw.Threshold, opts.DefaultThreshold)
	if err != nil {
		return ExtractionRequest{}, err
	}

	allowFallback, err := parseBool(raw.UseFallback, "use_fallback", true)
	if err != nil {
		return ExtractionRequest{}, err
	}

	nestedNER, err := parseBool(raw.NestedNER, "nested_ner", false)
	if err != nil {
		return ExtractionRequest{}, err
	}

	return ExtractionRequest{
		Text:          text,
		Labels:        labels,
		Threshold:     threshold,
		AllowFallback: allowFallback,
		NestedNER:     nestedNER,
	}, nil
}

// SplitLabels splits a comma separated label list, trimming whitespace and
// dropping empty and repeated labels
func SplitLabels(s string) []string {
	return dedupeLabels(strings.Split(s, ","))
}

func dedupeLabels(parts []string) []string {
	labels := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		label := strings.TrimSpace(part)
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	return labels
}

func parseText(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", &ValidationError{Field: "text", Message: "text required"}
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", &ValidationError{Field: "text", Message: "text must be a string"}
	}
	if text == "" {
		return "", &ValidationError{Field: "text", Message: "text required"}
	}
	return text, nil
}

func parseLabels(raw json.RawMessage) ([]string, error) {
	if isAbsent(raw) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return SplitLabels(s), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return dedupeLabels(list), nil
	}

	return nil, &ValidationError{Field: "labels", Message: "labels must be a comma separated string"}
}

func parseThreshold(raw json.RawMessage, def float64) (float64, error) {
	threshold := def
	if !isAbsent(raw) {
		var f float64
		var s string
		switch {
		case json.Unmarshal(raw, &f) == nil:
			threshold = f
		case json.Unmarshal(raw, &s) == nil:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return 0, &ValidationError{Field: "threshold", Message: "threshold must be a number"}
			}
			threshold = parsed
		default:
			return 0, &ValidationError{Field: "threshold", Message: "threshold must be a number"}
		}
	}

	// written so NaN is rejected too
	if !(threshold >= 0 && threshold <= 1) {
		return 0, &ValidationError{Field: "threshold", Message: "threshold out of range"}
	}
	return threshold, nil
}

func parseBool(raw json.RawMessage, field string, def bool) (bool, error) {
	if isAbsent(raw) {
		return def, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, &ValidationError{Field: field, Message: field + " must be a boolean"}
	}
	return b, nil
}

// isAbsent treats a missing field and an explicit null the same
func isAbsent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}
