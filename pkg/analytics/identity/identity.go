// Package identity resolves the user an event is attributed to.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
)

// Storage keys for persisted identity.
const (
	UserIDKey      = "ajs_user_id"
	AnonymousIDKey = "ajs_anonymous_id"
)

// Provider is the read-only view the event factory consumes.
// Empty strings mean "unknown".
type Provider interface {
	ID() string
	AnonymousID() string
}

// User is the default Provider. It keeps identity in memory and, when a store
// is configured, mirrors it to storage so it survives restarts.
type User struct {
	mu          sync.Mutex
	id          string
	anonymousID string
	store       storage.Store
	logger      *slog.Logger
	newID       func() string
}

// Option configures a User.
type Option func(*User)

// WithStore persists identity to store.
func WithStore(store storage.Store) Option {
	return func(u *User) {
		u.store = store
	}
}

// WithLogger sets the logger used for storage failures.
func WithLogger(logger *slog.Logger) Option {
	return func(u *User) {
		u.logger = logger
	}
}

// WithIDGenerator overrides anonymous id generation.
func WithIDGenerator(fn func() string) Option {
	return func(u *User) {
		u.newID = fn
	}
}

// NewUser creates a User, loading any persisted identity from the store.
func NewUser(ctx context.Context, opts ...Option) *User {
	u := &User{
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.store != nil {
		u.id = u.load(ctx, UserIDKey)
		u.anonymousID = u.load(ctx, AnonymousIDKey)
	}
	return u
}

// ID returns the identified user id, or "" before Identify.
func (u *User) ID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id
}

// AnonymousID returns the anonymous id, generating and persisting one on
// first use.
func (u *User) AnonymousID() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.anonymousID == "" {
		u.anonymousID = u.newID()
		u.save(context.Background(), AnonymousIDKey, u.anonymousID)
	}
	return u.anonymousID
}

// Identify sets the user id. An empty id leaves the current one in place.
func (u *User) Identify(ctx context.Context, userID string) {
	if userID == "" {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.id == userID {
		return
	}
	u.id = userID
	u.save(ctx, UserIDKey, userID)
}

// SetAnonymousID overrides the anonymous id.
func (u *User) SetAnonymousID(ctx context.Context, anonymousID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.anonymousID = anonymousID
	u.save(ctx, AnonymousIDKey, anonymousID)
}

// Reset forgets both ids. The next AnonymousID call generates a new one.
func (u *User) Reset(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.id = ""
	u.anonymousID = ""
	if u.store == nil {
		return
	}
	for _, key := range []string{UserIDKey, AnonymousIDKey} {
		if err := u.store.Remove(ctx, key); err != nil {
			u.logger.Warn("failed to clear identity",
				slog.Any("error", &aerrors.StorageError{Op: "remove", Key: key, Err: err}),
			)
		}
	}
}

func (u *User) load(ctx context.Context, key string) string {
	value, err := u.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return ""
	}
	if err != nil {
		u.logger.Warn("failed to load identity",
			slog.Any("error", &aerrors.StorageError{Op: "get", Key: key, Err: err}),
		)
		return ""
	}
	return string(value)
}

// save must be called with mu held.
func (u *User) save(ctx context.Context, key, value string) {
	if u.store == nil {
		return
	}

	var err error
	if value == "" {
		err = u.store.Remove(ctx, key)
	} else {
		err = u.store.Set(ctx, key, []byte(value))
	}
	if err != nil {
		u.logger.Warn("failed to persist identity",
			slog.Any("error", &aerrors.StorageError{Op: "set", Key: key, Err: err}),
		)
	}
}

// Static is a fixed Provider, handy for server-side callers that already
// know the user.
type Static struct {
	UserID    string
	Anonymous string
}

// ID implements Provider.
func (s Static) ID() string { return s.UserID }

// AnonymousID implements Provider.
func (s Static) AnonymousID() string { return s.Anonymous }
