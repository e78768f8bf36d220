package storage

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
)

// DefaultLockTTL is how long an acquired lock stays valid if its holder
// never releases it.
const DefaultLockTTL = time.Second

// Locker is implemented by stores that can take a lock in one atomic step.
// The returned token is the value written under key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
}

// Releaser gives a lock back. It only removes the key while the key still
// holds this acquisition's token.
type Releaser func(ctx context.Context) error

type lockOptions struct {
	ttl   time.Duration
	retry aerrors.RetryConfig
}

// LockOption configures AcquireLock.
type LockOption func(*lockOptions)

// WithLockTTL sets the lock expiry.
func WithLockTTL(d time.Duration) LockOption {
	return func(o *lockOptions) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithLockRetry replaces the acquisition retry policy.
func WithLockRetry(cfg aerrors.RetryConfig) LockOption {
	return func(o *lockOptions) {
		o.retry = cfg
	}
}

// AcquireLock takes the advisory mutex stored under key. The stored value is
// the lock's expiry in Unix milliseconds; a lock past its expiry is taken
// over. Acquisition spins with the errors.LockRetry policy and returns a
// *errors.LockError once it is exhausted. It never waits longer than the
// retry policy allows.
func AcquireLock(ctx context.Context, store Store, key string, opts ...LockOption) (Releaser, error) {
	o := lockOptions{ttl: DefaultLockTTL, retry: aerrors.LockRetry}
	for _, opt := range opts {
		opt(&o)
	}

	token, attempts, err := aerrors.Retry(ctx, o.retry, func(ctx context.Context) (string, error) {
		return tryLock(ctx, store, key, o.ttl)
	})
	if err != nil {
		return nil, &aerrors.LockError{Key: key, Attempts: attempts, Err: err}
	}

	return func(ctx context.Context) error {
		return releaseLock(ctx, store, key, token)
	}, nil
}

func tryLock(ctx context.Context, store Store, key string, ttl time.Duration) (string, error) {
	if l, ok := store.(Locker); ok {
		token, acquired, err := l.TryLock(ctx, key, ttl)
		if err != nil {
			return "", &aerrors.StorageError{Op: "lock", Key: key, Err: err}
		}
		if !acquired {
			return "", aerrors.ErrLockHeld
		}
		return token, nil
	}

	// Stores without an atomic primitive get read-then-write. Two writers
	// can interleave here; the lock is advisory.
	now := time.Now()
	held, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return "", &aerrors.StorageError{Op: "get", Key: key, Err: err}
	case !lockExpired(held, now):
		return "", aerrors.ErrLockHeld
	}

	token := strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)
	if err := store.Set(ctx, key, []byte(token)); err != nil {
		return "", &aerrors.StorageError{Op: "set", Key: key, Err: err}
	}
	return token, nil
}

func releaseLock(ctx context.Context, store Store, key, token string) error {
	held, err := store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return &aerrors.StorageError{Op: "get", Key: key, Err: err}
	}
	if !bytes.Equal(held, []byte(token)) {
		// Expired and taken over by someone else.
		return nil
	}
	if err := store.Remove(ctx, key); err != nil {
		return &aerrors.StorageError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// lockExpired reports whether a stored lock value is past its expiry.
// Unparseable values count as expired.
func lockExpired(value []byte, now time.Time) bool {
	expiry, err := strconv.ParseInt(strings.TrimSpace(string(value)), 10, 64)
	if err != nil {
		return true
	}
	return expiry <= now.UnixMilli()
}
