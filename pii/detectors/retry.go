package pii

import (
	"context"
	"net/http"
	"time"
)

// RetryPolicy bounds the attempts made against the inference backend and
// the delay chosen for each transient status class
type RetryPolicy struct {
	MaxAttempts      int
	LoadingBackoff   time.Duration
	RateLimitBackoff time.Duration
	TimeoutBackoff   time.Duration
}

// DefaultRetryPolicy returns the backend's documented retry behaviour:
// three attempts, 10s while the model loads, 5s when rate limited and 2s
// after a network timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		LoadingBackoff:   10 * time.Second,
		RateLimitBackoff: 5 * time.Second,
		TimeoutBackoff:   2 * time.Second,
	}
}

// statusClass is how one attempt's outcome is interpreted by the retry loop
type statusClass int

const (
	classSuccess statusClass = iota
	classLoading
	classRateLimited
	classTimeout
	classFatal
)

func (c statusClass) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classLoading:
		return "loading"
	case classRateLimited:
		return "rate_limited"
	case classTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// classifyStatus maps an HTTP status from the backend to a status class
func classifyStatus(status int) statusClass {
	switch {
	case status >= 200 && status < 300:
		return classSuccess
	case status == http.StatusServiceUnavailable:
		return classLoading
	case status == http.StatusTooManyRequests:
		return classRateLimited
	default:
		return classFatal
	}
}

// delayFor returns the backoff for a retryable class and false for the rest
func (p RetryPolicy) delayFor(class statusClass) (time.Duration, bool) {
	switch class {
	case classLoading:
		return p.LoadingBackoff, true
	case classRateLimited:
		return p.RateLimitBackoff, true
	case classTimeout:
		return p.TimeoutBackoff, true
	default:
		return 0, false
	}
}

type attemptAction int

const (
	actionDone attemptAction = iota
	actionRetry
	actionFail
)

// attemptOutcome is the typed result of one attempt against the backend
type attemptOutcome struct {
	action attemptAction
	class  statusClass
	status int
	delay  time.Duration
	result InferenceResult
	err    error
}

// retryState lives for one Infer call
type retryState struct {
	attempt    int
	lastClass  statusClass
	lastStatus int
	lastDelay  time.Duration
	lastErr    error
}

func (s *retryState) record(outcome attemptOutcome) {
	s.lastClass = outcome.class
	s.lastStatus = outcome.status
	s.lastDelay = outcome.delay
	s.lastErr = outcome.err
}

// exhausted builds the error returned once every attempt was retryable
func (s *retryState) exhausted() *BackendError {
	if s.lastClass == classTimeout {
		return &BackendError{
			Kind:    KindTimeout,
			Status:  s.lastStatus,
			Message: "request timed out after retries",
			Err:     s.lastErr,
		}
	}
	return &BackendError{
		Kind:    KindMaxRetries,
		Status:  s.lastStatus,
		Message: "max retries exceeded",
		Err:     s.lastErr,
	}
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper. It only blocks the calling goroutine.
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
