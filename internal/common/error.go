package common

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrKeyNotFound         = fmt.Errorf("key not found")
	ErrCollectionNotFound  = fmt.Errorf("collection not found")
	ErrQuotaExceeded       = fmt.Errorf("storage quota exceeded")
	ErrBatchAlreadyRunning = fmt.Errorf("batch already running")
	ErrNothingSelected     = fmt.Errorf("no items selected")
	ErrNothingMatched      = fmt.Errorf("no attachments matched selection")
	ErrNoCredential        = fmt.Errorf("no valid credential obtainable")
)

// FailureClass groups errors by how callers should react to them.
type FailureClass int

const (
	// FailureTransient is retryable with backoff and jitter.
	FailureTransient FailureClass = iota
	// FailureThrottled means the server signaled quota exhaustion.
	FailureThrottled
	// FailureTerminalItem is not retryable but only fails a single item.
	FailureTerminalItem
	// FailureTerminalBatch aborts the whole batch.
	FailureTerminalBatch
)

func (c FailureClass) String() string {
	return [...]string{"transient", "throttled", "terminal_item", "terminal_batch"}[c]
}

// StatusError carries a non-2xx HTTP status from a remote API.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Status)
}

// ThrottledError is returned on a quota-exceeded response. RetryAfter
// holds the raw Retry-After header value, which may be empty.
type ThrottledError struct {
	RetryAfter string
}

func (e *ThrottledError) Error() string {
	if e.RetryAfter == "" {
		return "request throttled"
	}

	return fmt.Sprintf("request throttled, retry after %s", e.RetryAfter)
}

type AuthErrorKind int

const (
	AuthCancelled AuthErrorKind = iota
	AuthNetwork
	AuthConfig
)

func (k AuthErrorKind) String() string {
	return [...]string{"cancelled", "network", "config"}[k]
}

// AuthError classifies credential-provider failures so callers can
// decide whether to prompt again, show a network error or report
// misconfiguration.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential provider failed (%s): %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto the failure taxonomy. Unknown errors are
// treated as transient so they get the benefit of a retry.
func Classify(err error) FailureClass {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return FailureThrottled
	}

	var status *StatusError
	if errors.As(err, &status) {
		switch status.Code {
		case http.StatusTooManyRequests:
			return FailureThrottled
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return FailureTerminalItem
		}

		return FailureTransient
	}

	var auth *AuthError
	if errors.As(err, &auth) {
		return FailureTerminalBatch
	}

	if errors.Is(err, ErrNoCredential) {
		return FailureTerminalBatch
	}

	if errors.Is(err, ErrCollectionNotFound) {
		return FailureTerminalItem
	}

	return FailureTransient
}
