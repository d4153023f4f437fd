package pii

import (
	"context"
	"fmt"
	"sort"
)

const (
	DetectorNameModel = "model_detector"
	DetectorNameRegex = "regex_detector"
)

// Detector runs PII detection over raw text without any network access
type Detector interface {
	GetName() string
	Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error)
	Close() error
}

// Inferrer calls a remote model-serving backend for entity recognition
type Inferrer interface {
	Infer(ctx context.Context, req InferenceRequest) (InferenceResult, error)
}

type NewDetectorFunc func(config map[string]interface{}) (Detector, error)

var detectorFactories = make(map[string]NewDetectorFunc)

func RegisterDetectorFactory(name string, factory NewDetectorFunc) {
	detectorFactories[name] = factory
}

func NewDetector(name string, config map[string]interface{}) (Detector, error) {
	factory, ok := detectorFactories[name]
	if !ok {
		return nil, fmt.Errorf("detector factory not found for name: %s", name)
	}
	return factory(config)
}

// DetectorNames lists the registered local detectors in sorted order
func DetectorNames() []string {
	names := make([]string, 0, len(detectorFactories))
	for name := range detectorFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDetectorFactory(DetectorNameRegex, func(config map[string]interface{}) (Detector, error) {
		if recognizers, ok := config["recognizers"].([]Recognizer); ok {
			return NewRegexDetector(recognizers), nil
		}
		return NewRegexDetector(DefaultRecognizers), nil
	})
}

func CloseDetector(detector Detector) error {
	return detector.Close()
}
