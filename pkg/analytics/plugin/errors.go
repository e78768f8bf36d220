package plugin

import (
	"errors"
	"fmt"
)

// Sentinel errors for registration.
var (
	// ErrInvalidPlugin indicates a plugin without a name or with an unknown type.
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrDuplicatePlugin indicates a plugin name is already registered.
	ErrDuplicatePlugin = errors.New("plugin already registered")

	// ErrMiddlewareCancelled is the cause recorded when source middleware
	// drops an event.
	ErrMiddlewareCancelled = errors.New("middleware cancelled event")
)

// StageError wraps an error returned by a plugin stage.
type StageError struct {
	// Plugin is the name of the failing plugin.
	Plugin string
	// Type is the plugin type.
	Type Type
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("plugin %s (%s): %v", e.Plugin, e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StageError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised inside a plugin.
type PanicError struct {
	// Plugin is the plugin that panicked.
	Plugin string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("plugin %s panicked: %v", e.Plugin, e.Value)
}

// CancelledError is returned when a Context stops before finishing the
// pipeline, either because it was cancelled or because ctx was done.
type CancelledError struct {
	// Stage is the plugin type that was about to run.
	Stage Type
	// Reason is the Context cancel reason, if any.
	Reason string
	// Cause is context.Canceled, context.DeadlineExceeded or
	// ErrMiddlewareCancelled.
	Cause error
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cancelled before %s stage: %s", e.Stage, e.Reason)
	}
	return fmt.Sprintf("cancelled before %s stage: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// LoadError wraps a failure from a plugin's Load.
type LoadError struct {
	Plugin string
	Err    error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("load plugin %s: %v", e.Plugin, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *LoadError) Unwrap() error {
	return e.Err
}
