package storage

import (
	"context"
	"log/slog"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
)

// NoopStore is the degraded store used when real storage is unavailable.
// Reads are always empty and writes are dropped.
type NoopStore struct{}

// Get implements Store.
func (NoopStore) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

// Set implements Store.
func (NoopStore) Set(context.Context, string, []byte) error { return nil }

// Remove implements Store.
func (NoopStore) Remove(context.Context, string) error { return nil }

// Close implements Store.
func (NoopStore) Close() error { return nil }

const checkKey = "analytics:storage:check"

// Check verifies that store survives a write/read/remove round-trip. On any
// failure it logs a StorageError and returns NoopStore instead, so callers
// can always proceed.
func Check(ctx context.Context, store Store, logger *slog.Logger) Store {
	if store == nil {
		return NoopStore{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	op := "set"
	err := store.Set(ctx, checkKey, []byte("1"))
	if err == nil {
		op = "get"
		_, err = store.Get(ctx, checkKey)
	}
	if err == nil {
		op = "remove"
		err = store.Remove(ctx, checkKey)
	}
	if err != nil {
		logger.Warn("storage unavailable, continuing without persistence",
			slog.Any("error", &aerrors.StorageError{Op: op, Key: checkKey, Err: err}),
		)
		return NoopStore{}
	}
	return store
}
