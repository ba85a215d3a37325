package audiapi

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPositionUnavailable is returned while the vehicle is moving; the
	// vendor answers position requests with no content in that state.
	ErrPositionUnavailable = errors.New("vehicle position unavailable")
	ErrUnsupportedAction   = errors.New("action not supported for this api level")
	ErrPINRequired         = errors.New("s-pin required for this action")
)

// AuthError means the vendor rejected the credentials or the session.
type AuthError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "authentication failed"
	}
	if e.Detail != "" {
		return fmt.Sprintf("authentication failed at %s (status %d): %s", e.Endpoint, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("authentication failed at %s (status %d)", e.Endpoint, e.StatusCode)
}

// TransientNetworkError covers connection failures and 5xx answers.
type TransientNetworkError struct {
	Endpoint   string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e == nil {
		return "transient network error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("vendor request %s failed with status %d after %d attempts", e.Endpoint, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("vendor request %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ThrottledError is a vendor rate limit answer. It is never retried here.
type ThrottledError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e == nil {
		return "throttled"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("vendor throttled %s, retry after %s", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("vendor throttled %s", e.Endpoint)
}

// PermissionError means the feature is not entitled for this account or vehicle.
type PermissionError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *PermissionError) Error() string {
	if e == nil {
		return "permission denied"
	}
	return fmt.Sprintf("permission denied for %s (status %d) %s", e.Endpoint, e.StatusCode, e.Detail)
}

// SchemaMismatchError means the vendor answered with an unexpected shape.
type SchemaMismatchError struct {
	Endpoint string
	Detail   string
	Err      error
}

func (e *SchemaMismatchError) Error() string {
	if e == nil {
		return "unexpected vendor response"
	}
	if e.Err != nil {
		return fmt.Sprintf("unexpected vendor response from %s: %s: %v", e.Endpoint, e.Detail, e.Err)
	}
	return fmt.Sprintf("unexpected vendor response from %s: %s", e.Endpoint, e.Detail)
}

func (e *SchemaMismatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TimeoutError means a bounded wait elapsed.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	if e == nil {
		return "timeout"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// APIError is any other non-success vendor answer.
type APIError struct {
	Endpoint   string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e == nil {
		return "vendor api error"
	}
	return fmt.Sprintf("vendor request %s failed with status %d: %s", e.Endpoint, e.StatusCode, e.Detail)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientNetworkError
	return errors.As(err, &target)
}

// IsThrottled also returns the vendor suggested delay, zero when absent.
func IsThrottled(err error) (time.Duration, bool) {
	var target *ThrottledError
	if errors.As(err, &target) {
		return target.RetryAfter, true
	}
	return 0, false
}

func IsPermission(err error) bool {
	var target *PermissionError
	return errors.As(err, &target)
}

func IsSchemaMismatch(err error) bool {
	var target *SchemaMismatchError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
