// Package storage provides the key-value stores backing the durable retry
// queue and the persisted user identity.
//
// Stores hold opaque byte values under string keys. Keys are namespaced by
// their callers (for example "persisted-queue:v1:<name>:items"), so a single
// store can be shared by several queues and processes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store is a minimal key-value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Returns nil if the key doesn't exist.
	Remove(ctx context.Context, key string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates a key doesn't exist.
	ErrNotFound = errors.New("key not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)

// Drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

// Open builds a store from a driver name and a data source.
//
//   - memory: process-local map, dsn ignored
//   - sqlite: dsn is a file path (or ":memory:")
//   - redis: dsn is a redis:// URL
//   - none or "": NoopStore
func Open(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		if dsn == "" {
			return nil, fmt.Errorf("sqlite driver requires a path")
		}
		return NewSQLiteStore(dsn)
	case DriverRedis:
		if dsn == "" {
			return nil, fmt.Errorf("redis driver requires a URL")
		}
		return NewRedisStoreFromURL(dsn)
	case DriverNone, "":
		return NoopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
