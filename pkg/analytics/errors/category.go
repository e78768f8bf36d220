// Package errors provides error categorization and retry helpers for the
// analytics delivery pipeline.
//
// The package separates failures into two handling classes:
//   - Transient: delivery may succeed later (5xx, 429, timeouts, lock contention)
//   - Permanent: retrying cannot help (4xx, malformed input)
//
// Nothing in the pipeline returns these to callers of the tracking methods;
// they are recorded on the event Context log stream and in structured logs.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: rate limits, server errors, timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: rejected payloads, authentication failures, invalid input.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError pins a category on an error, overriding what Categorize
// would infer from the error itself.
type CategorizedError struct {
	Err      error
	Category Category
	// Retries is the number of attempts made before giving up.
	Retries int
	// Context names the operation that failed.
	Context string
}

func (e *CategorizedError) Error() string {
	msg := fmt.Sprintf("%s (category: %s, attempts: %d)", e.Err, e.Category, e.Retries)
	if e.Context != "" {
		return e.Context + ": " + msg
	}
	return msg
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized wraps err with a category and the failing operation.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as not worth retrying.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// categorizer is implemented by the error types in this package that know
// their own category.
type categorizer interface {
	error
	ErrorCategory() Category
}

// StatusCategory classifies an HTTP status from a collection endpoint.
// Request timeouts, rate limits and server errors are transient; every
// other non-2xx status is permanent.
func StatusCategory(code int) Category {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// Categorize decides how err should be handled. An explicit
// CategorizedError wins, then the category of the innermost typed error.
// Anything unrecognized, including nil, is permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}
	var c categorizer
	if errors.As(err, &c) {
		return c.ErrorCategory()
	}
	if errors.Is(err, ErrLockHeld) {
		return CategoryTransient
	}
	return CategoryPermanent
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
