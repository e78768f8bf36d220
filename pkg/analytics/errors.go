package analytics

import (
	"errors"
	"fmt"
	"time"
)

// DefaultCallbackTimeout bounds a call's callback when neither settings nor
// options set one.
const DefaultCallbackTimeout = time.Second

// ErrClosed is returned by tracking calls after Close.
var ErrClosed = errors.New("analytics: client closed")

// CallbackPanicError wraps a panic recovered from a user callback.
type CallbackPanicError struct {
	Value any
	Stack string
}

func (e *CallbackPanicError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Value)
}
