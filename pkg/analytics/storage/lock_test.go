package storage_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
)

// plainStore hides any Locker implementation so AcquireLock takes the
// read-then-write path.
type plainStore struct {
	storage.Store
}

// failingStore fails every operation.
type failingStore struct{}

var errDisk = errors.New("disk full")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errDisk }
func (failingStore) Set(context.Context, string, []byte) error   { return errDisk }
func (failingStore) Remove(context.Context, string) error        { return errDisk }
func (failingStore) Close() error                                { return nil }

func lockStores(t *testing.T) map[string]storage.Store {
	sqlite, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]storage.Store{
		"memory": storage.NewMemoryStore(),
		"sqlite": sqlite,
		"plain":  plainStore{Store: storage.NewMemoryStore()},
	}
}

func TestAcquireLock(t *testing.T) {
	ctx := context.Background()

	for name, store := range lockStores(t) {
		t.Run(name+"/acquire_and_release", func(t *testing.T) {
			release, err := storage.AcquireLock(ctx, store, "q:lock")
			require.NoError(t, err)

			value, err := store.Get(ctx, "q:lock")
			require.NoError(t, err)
			expiry, err := strconv.ParseInt(string(value), 10, 64)
			require.NoError(t, err)
			assert.Greater(t, expiry, time.Now().UnixMilli())

			require.NoError(t, release(ctx))
			_, err = store.Get(ctx, "q:lock")
			assert.ErrorIs(t, err, storage.ErrNotFound)
		})

		t.Run(name+"/held_lock_gives_up", func(t *testing.T) {
			release, err := storage.AcquireLock(ctx, store, "held:lock", storage.WithLockTTL(time.Minute))
			require.NoError(t, err)
			defer release(ctx)

			start := time.Now()
			_, err = storage.AcquireLock(ctx, store, "held:lock")
			elapsed := time.Since(start)

			var lockErr *aerrors.LockError
			require.ErrorAs(t, err, &lockErr)
			assert.Equal(t, "held:lock", lockErr.Key)
			assert.Equal(t, 4, lockErr.Attempts)
			assert.ErrorIs(t, err, aerrors.ErrLockHeld)
			// Three 50ms waits between four attempts, and no more.
			assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
			assert.Less(t, elapsed, 2*time.Second)
		})

		t.Run(name+"/expired_lock_is_stolen", func(t *testing.T) {
			past := strconv.FormatInt(time.Now().Add(-time.Second).UnixMilli(), 10)
			require.NoError(t, store.Set(ctx, "stale:lock", []byte(past)))

			start := time.Now()
			release, err := storage.AcquireLock(ctx, store, "stale:lock")
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 50*time.Millisecond)
			require.NoError(t, release(ctx))
		})

		t.Run(name+"/release_after_takeover_keeps_new_owner", func(t *testing.T) {
			releaseFirst, err := storage.AcquireLock(ctx, store, "takeover:lock", storage.WithLockTTL(10*time.Millisecond))
			require.NoError(t, err)

			time.Sleep(30 * time.Millisecond)

			releaseSecond, err := storage.AcquireLock(ctx, store, "takeover:lock", storage.WithLockTTL(time.Minute))
			require.NoError(t, err)
			owner, err := store.Get(ctx, "takeover:lock")
			require.NoError(t, err)

			require.NoError(t, releaseFirst(ctx))
			still, err := store.Get(ctx, "takeover:lock")
			require.NoError(t, err)
			assert.True(t, bytes.Equal(owner, still))

			require.NoError(t, releaseSecond(ctx))
		})
	}
}

func TestAcquireLock_StorageFailure(t *testing.T) {
	start := time.Now()
	_, err := storage.AcquireLock(context.Background(), failingStore{}, "q:lock")

	var lockErr *aerrors.LockError
	require.ErrorAs(t, err, &lockErr)
	var storageErr *aerrors.StorageError
	assert.ErrorAs(t, err, &storageErr)
	assert.ErrorIs(t, err, errDisk)
	// Storage failures are not retried.
	assert.Equal(t, 1, lockErr.Attempts)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireLock_CustomRetry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	release, err := storage.AcquireLock(ctx, store, "q:lock", storage.WithLockTTL(time.Minute))
	require.NoError(t, err)
	defer release(ctx)

	_, err = storage.AcquireLock(ctx, store, "q:lock", storage.WithLockRetry(aerrors.NoRetry))
	var lockErr *aerrors.LockError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 1, lockErr.Attempts)
}

func TestAcquireLock_ContextCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.AcquireLock(ctx, store, "q:lock")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("healthy store is returned", func(t *testing.T) {
		store := storage.NewMemoryStore()
		got := storage.Check(ctx, store, logger)
		assert.Same(t, store, got)
		assert.Equal(t, 0, store.Len())
	})

	t.Run("failing store degrades to noop", func(t *testing.T) {
		var buf bytes.Buffer
		got := storage.Check(ctx, failingStore{}, slog.New(slog.NewTextHandler(&buf, nil)))
		assert.Equal(t, storage.NoopStore{}, got)
		assert.Contains(t, buf.String(), "storage unavailable")
		assert.Contains(t, buf.String(), "disk full")
	})

	t.Run("closed store degrades to noop", func(t *testing.T) {
		store := storage.NewMemoryStore()
		require.NoError(t, store.Close())
		assert.Equal(t, storage.NoopStore{}, storage.Check(ctx, store, nil))
	})

	t.Run("nil store", func(t *testing.T) {
		assert.Equal(t, storage.NoopStore{}, storage.Check(ctx, nil, logger))
	})
}
