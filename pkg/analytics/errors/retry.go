package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig is a retry policy: how many attempts, and how long to wait
// between them.
type RetryConfig struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts int

	InitialBackoff time.Duration
	// MaxBackoff caps the delay. Zero means no cap.
	MaxBackoff    time.Duration
	BackoffFactor float64
	// Jitter spreads each delay by up to +/- this fraction (0.0-1.0).
	Jitter float64

	// Retryable overrides IsRetryable.
	Retryable func(error) bool
}

// DeliveryRetry is the backoff between resends of a failed batch. The
// attempt budget lives on the retry queue, not here.
var DeliveryRetry = RetryConfig{
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2.0,
}

// LockRetry is the storage mutex policy: one attempt plus three retries,
// 50ms apart.
var LockRetry = RetryConfig{
	MaxAttempts:    4,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     50 * time.Millisecond,
	BackoffFactor:  1.0,
}

// Backoff returns the delay before the given attempt is retried; attempt 1
// is the first failure.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	delay := float64(c.InitialBackoff) * math.Pow(factor, float64(attempt-1))
	if c.MaxBackoff > 0 && (delay > float64(c.MaxBackoff) || math.IsInf(delay, 0)) {
		delay = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		delay += delay * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

func (c RetryConfig) retryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return IsRetryable(err)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx is done. It returns the value, the number
// of calls made and, on failure, a *CategorizedError wrapping the last
// error.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	attempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, Permanent(err, "context cancelled")
		}

		v, err := fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if !cfg.retryable(err) {
			return zero, attempt, &CategorizedError{Err: err, Category: Categorize(err), Retries: attempt}
		}
		if attempt >= attempts {
			return zero, attempt, &CategorizedError{
				Err:      err,
				Category: Categorize(err),
				Retries:  attempt,
				Context:  "max attempts exceeded",
			}
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, Permanent(ctx.Err(), "context cancelled during backoff")
		case <-timer.C:
		}
	}
}
