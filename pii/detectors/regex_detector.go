package pii

import (
	"context"
	"regexp"
	"unicode/utf8"
)

type compiledRecognizer struct {
	label      string
	pattern    *regexp.Regexp
	confidence float64
}

// RegexDetector implements Detector using a fixed, ordered recognizer table
type RegexDetector struct {
	recognizers []compiledRecognizer
}

// NewRegexDetector compiles the recognizers. It panics on an invalid
// pattern, which is a programming error in the table.
func NewRegexDetector(recognizers []Recognizer) *RegexDetector {
	compiled := make([]compiledRecognizer, 0, len(recognizers))
	for _, r := range recognizers {
		compiled = append(compiled, compiledRecognizer{
			label:      r.Label,
			pattern:    regexp.MustCompile(r.Pattern),
			confidence: r.Confidence,
		})
	}

	return &RegexDetector{
		recognizers: compiled,
	}
}

// GetName returns the name of this detector
func (r *RegexDetector) GetName() string {
	return DetectorNameRegex
}

// Detect processes the input and returns detected entities. It never fails.
// Matches from different recognizers are not deduplicated against each other.
func (r *RegexDetector) Detect(_ context.Context, input DetectorInput) (DetectorOutput, error) {
	entities := []Entity{}
	offsets := newRuneOffsets(input.Text)

	for _, rec := range r.recognizers {
		matches := rec.pattern.FindAllStringIndex(input.Text, -1)
		for _, match := range matches {
			entities = append(entities, Entity{
				Text:       input.Text[match[0]:match[1]],
				Label:      rec.label,
				StartPos:   offsets.toRune(match[0]),
				EndPos:     offsets.toRune(match[1]),
				Confidence: rec.confidence,
			})
		}
	}

	return DetectorOutput{
		Text:     input.Text,
		Entities: entities,
	}, nil
}

// Close implements the Detector interface
func (r *RegexDetector) Close() error {
	// Regex detector doesn't need cleanup
	return nil
}

// runeOffsets converts byte offsets produced by regexp into character offsets
type runeOffsets struct {
	ascii bool
	index map[int]int
}

func newRuneOffsets(text string) runeOffsets {
	if utf8.RuneCountInString(text) == len(text) {
		return runeOffsets{ascii: true}
	}

	index := make(map[int]int, len(text)+1)
	n := 0
	for i := range text {
		index[i] = n
		n++
	}
	index[len(text)] = n
	return runeOffsets{index: index}
}

func (o runeOffsets) toRune(byteOffset int) int {
	if o.ascii {
		return byteOffset
	}
	return o.index[byteOffset]
}
