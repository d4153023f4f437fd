package pii

// Recognizer pairs an entity kind with the pattern that finds it and the
// fixed confidence reported for every match
type Recognizer struct {
	Label      string
	Pattern    string
	Confidence float64
}

const (
	LabelEmail      = "email"
	LabelPhone      = "phone number"
	LabelSSN        = "social security number"
	LabelCreditCard = "credit card number"
)

// DefaultRecognizers is the fallback recognizer table. Order is significant:
// detection output follows this order, then match order within a kind.
var DefaultRecognizers = []Recognizer{
	{Label: LabelEmail, Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Confidence: 0.90},
	{Label: LabelPhone, Pattern: `\b\d{3}[-.]\d{3}[-.]\d{4}\b`, Confidence: 0.80},
	{Label: LabelSSN, Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Confidence: 0.95},
	{Label: LabelCreditCard, Pattern: `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`, Confidence: 0.85},
}
