package provider

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provider call failure. The orchestrator's
// reliability decisions (breaker counting, token handling, scheduling) key
// off this classification alone.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts, 5xx responses and other failures
	// expected to clear on their own. Counted by the circuit breaker.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRateLimited means the provider throttled us. Treated like a
	// transient failure for breaker purposes.
	ErrorClassRateLimited ErrorClass = "rate_limited"

	// ErrorClassAuthInvalid means the credential was rejected (401,
	// invalid_grant). Routed to token health, never counted by the breaker:
	// retrying is pointless until credentials change.
	ErrorClassAuthInvalid ErrorClass = "auth_invalid"

	// ErrorClassPermanent covers non-auth failures that will not clear on
	// retry (4xx contract errors, malformed payloads).
	ErrorClassPermanent ErrorClass = "permanent"
)

// CountsTowardBreaker reports whether a failure of this class should
// increment the circuit breaker's consecutive-failure counter.
func (c ErrorClass) CountsTowardBreaker() bool {
	return c != ErrorClassAuthInvalid
}

// Error is a classified provider failure.
type Error struct {
	Class   ErrorClass
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (%s): %s", e.Class, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified provider error wrapping err.
func NewError(class ErrorClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Classify extracts the error class from err. Unclassified errors (including
// context deadline expiry) are reported as transient, since that is the safe
// default for breaker accounting.
func Classify(err error) ErrorClass {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	return ErrorClassTransient
}

// RefreshError is a classified token refresh failure.
type RefreshError struct {
	// Retryable distinguishes temporary refresh failures from a revoked
	// grant. A non-retryable failure means the user must re-authenticate.
	Retryable bool
	Err       error
}

func (e *RefreshError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("token refresh failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed (grant revoked): %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// IsRefreshRetryable reports whether err is a retryable refresh failure.
// Errors that are not *RefreshError are treated as retryable.
func IsRefreshRetryable(err error) bool {
	var rerr *RefreshError
	if errors.As(err, &rerr) {
		return rerr.Retryable
	}
	return true
}
