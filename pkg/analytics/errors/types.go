package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld indicates a storage mutex is currently owned by someone else.
var ErrLockHeld = errors.New("lock held")

// HTTPError represents a non-2xx response from a collection endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// ErrorCategory classifies the response status.
func (e *HTTPError) ErrorCategory() Category { return StatusCategory(e.StatusCode) }

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// RateLimitError is returned when the endpoint asks the client to back off.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

// ErrorCategory is always transient.
func (e *RateLimitError) ErrorCategory() Category { return CategoryTransient }

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %s", e.Endpoint, e.RetryAfter)
}

// NetworkError wraps a transport-level failure (connection refused, reset).
type NetworkError struct {
	Endpoint string
	Err      error
}

// ErrorCategory is always transient.
func (e *NetworkError) ErrorCategory() Category { return CategoryTransient }

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error at %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ValidationError indicates malformed event input.
// It fails fast at construction and never enters the pipeline.
type ValidationError struct {
	Field   string
	Message string
}

// ErrorCategory is always permanent.
func (e *ValidationError) ErrorCategory() Category { return CategoryPermanent }

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TimeoutError indicates an operation exceeded its time budget.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// ErrorCategory is always transient.
func (e *TimeoutError) ErrorCategory() Category { return CategoryTransient }

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// StorageError wraps a persistence read or write failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// LockError is returned when a storage mutex could not be acquired.
type LockError struct {
	Key      string
	Attempts int
	Err      error
}

// ErrorCategory is always transient.
func (e *LockError) ErrorCategory() Category { return CategoryTransient }

// Error implements the error interface.
func (e *LockError) Error() string {
	return fmt.Sprintf("unable to acquire lock %q after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *LockError) Unwrap() error {
	return e.Err
}
