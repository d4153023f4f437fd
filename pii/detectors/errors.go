package pii

import "fmt"

// BackendErrorKind classifies a failure of the remote inference backend
type BackendErrorKind string

const (
	KindLoading           BackendErrorKind = "loading"
	KindRateLimited       BackendErrorKind = "rate_limited"
	KindTimeout           BackendErrorKind = "timeout"
	KindFatalStatus       BackendErrorKind = "fatal_status"
	KindTransport         BackendErrorKind = "transport"
	KindMalformedResponse BackendErrorKind = "malformed_response"
	KindMaxRetries        BackendErrorKind = "max_retries_exceeded"
	KindMissingCredential BackendErrorKind = "missing_credential"
	KindCircuitOpen       BackendErrorKind = "circuit_open"
)

// BackendError is returned by the remote inference client for every failure
// that is attributable to the backend or its configuration.
// Status is the HTTP status of the last attempt, 0 if no response was received.
type BackendError struct {
	Kind    BackendErrorKind
	Status  int
	Message string
	Err     error
}

func (e *BackendError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference backend error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("inference backend error: %s", e.Message)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
