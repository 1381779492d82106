package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorClass buckets task errors for retry decisions and phase reporting.
type ErrorClass string

// Error classes, per the failure taxonomy.
const (
	ClassTransient ErrorClass = "transient"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassNotFound  ErrorClass = "not_found"
	ClassAuth      ErrorClass = "auth"
	ClassMalformed ErrorClass = "malformed_source"
	ClassParse     ErrorClass = "parse"
	ClassStorage   ErrorClass = "storage"
	ClassUnknown   ErrorClass = "unknown"
)

// TaskError wraps a task failure with its class. RetryAfter carries a
// provider-supplied backoff hint for rate-limit signals.
type TaskError struct {
	Class      ErrorClass
	RetryAfter time.Duration
	Err        error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Transient marks an error as retryable.
func Transient(err error) *TaskError {
	return &TaskError{Class: ClassTransient, Err: err}
}

// RateLimited marks an error as a rate-limit signal with an optional
// provider-supplied delay.
func RateLimited(err error, after time.Duration) *TaskError {
	return &TaskError{Class: ClassRateLimit, RetryAfter: after, Err: err}
}

// NotFound marks a missing remote resource. Upstream mirrors publish some
// artifacts with a delay, so the task is retried before the failure sticks.
func NotFound(err error) *TaskError {
	return &TaskError{Class: ClassNotFound, Err: err}
}

// AuthFailure marks an error as a fatal authentication failure.
func AuthFailure(err error) *TaskError {
	return &TaskError{Class: ClassAuth, Err: err}
}

// MalformedSource marks a source descriptor as unusable.
func MalformedSource(err error) *TaskError {
	return &TaskError{Class: ClassMalformed, Err: err}
}

// ParseFailure marks a normalization failure. The raw artifact is retained.
func ParseFailure(err error) *TaskError {
	return &TaskError{Class: ClassParse, Err: err}
}

// StorageFailure marks a persistence failure.
func StorageFailure(err error) *TaskError {
	return &TaskError{Class: ClassStorage, Err: err}
}

// Classify returns the error class, inferring one for unwrapped errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return ClassTransient
	}
	if strings.Contains(err.Error(), "connection reset") {
		return ClassTransient
	}
	return ClassUnknown
}

// Retryable reports whether the wrapper should retry this error.
// Context cancellation is never retried even though it classifies as
// transient for reporting purposes.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch Classify(err) {
	case ClassTransient, ClassRateLimit, ClassNotFound:
		return true
	}
	return false
}

// RetryableStatus reports whether an HTTP status code signals a transient
// failure.
func RetryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// FromStatus converts an HTTP status code into a classified error, or nil
// for success codes.
func FromStatus(code int, url string) error {
	switch {
	case code >= 200 && code < 400:
		return nil
	case code == 401 || code == 403:
		return AuthFailure(fmt.Errorf("http %d fetching %s", code, url))
	case code == 429:
		return RateLimited(fmt.Errorf("http 429 fetching %s", url), 0)
	case code == 404:
		return NotFound(fmt.Errorf("http 404 fetching %s", url))
	case RetryableStatus(code):
		return Transient(fmt.Errorf("http %d fetching %s", code, url))
	default:
		return &TaskError{Class: ClassUnknown, Err: fmt.Errorf("http %d fetching %s", code, url)}
	}
}
