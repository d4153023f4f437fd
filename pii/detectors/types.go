package pii

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text string `json:"text"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected PII entity.
// StartPos and EndPos are character (rune) offsets into the input text.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// InferenceRequest is a single call to the remote inference backend
type InferenceRequest struct {
	Text      string
	Labels    []string
	Threshold float64
	FlatNER   bool
}

// InferenceResult is what the remote inference backend produced for one call
type InferenceResult struct {
	Entities []Entity
	Attempts int
	// Malformed is set when the backend answered with valid JSON that was not
	// a list of entity records. Entities is empty in that case.
	Malformed bool
}
