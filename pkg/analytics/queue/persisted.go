package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"github.com/randalmurphal/analytics/pkg/analytics/observability"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
)

// KeyPrefix namespaces every persisted queue key.
const KeyPrefix = "persisted-queue:v1:"

// Keys returns the storage keys used by the queue called name.
func Keys(name string) (items, seen, lock string) {
	base := KeyPrefix + name
	return base + ":items", base + ":seen", base + ":lock"
}

type persistedConfig struct {
	logger   *slog.Logger
	lockOpts []storage.LockOption
}

// PersistedOption configures a Persisted queue.
type PersistedOption func(*persistedConfig)

// WithLogger sets the logger for storage failures.
func WithLogger(logger *slog.Logger) PersistedOption {
	return func(c *persistedConfig) {
		c.logger = logger
	}
}

// WithLockOptions passes options to every storage.AcquireLock call.
func WithLockOptions(opts ...storage.LockOption) PersistedOption {
	return func(c *persistedConfig) {
		c.lockOpts = append(c.lockOpts, opts...)
	}
}

// Persisted is a PriorityQueue whose contents survive restarts. It restores
// any previously persisted state on construction and writes its state back
// when Persist is called at termination.
type Persisted[T Item] struct {
	*PriorityQueue[T]

	name     string
	itemsKey string
	seenKey  string
	lockKey  string
	store    storage.Store
	logger   *slog.Logger
	lockOpts []storage.LockOption

	mu       sync.Mutex
	inFlight func() []T
}

// Compile-time interface check.
var _ Queue[Item] = (*Persisted[Item])(nil)

// NewPersisted creates the queue and hydrates it from store. Storage or lock
// failures are logged and leave the queue empty; construction never fails
// and never waits longer than the lock retry policy. A nil store behaves
// like storage.NoopStore.
func NewPersisted[T Item](ctx context.Context, name string, maxAttempts int, store storage.Store, opts ...PersistedOption) *Persisted[T] {
	cfg := persistedConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if store == nil {
		store = storage.NoopStore{}
	}

	itemsKey, seenKey, lockKey := Keys(name)
	p := &Persisted[T]{
		PriorityQueue: NewPriorityQueue[T](maxAttempts),
		name:          name,
		itemsKey:      itemsKey,
		seenKey:       seenKey,
		lockKey:       lockKey,
		store:         store,
		logger:        cfg.logger,
		lockOpts:      cfg.lockOpts,
	}
	p.hydrate(ctx)
	return p
}

// Name returns the queue name.
func (p *Persisted[T]) Name() string {
	return p.name
}

// SetInFlight registers a provider for items that have been popped but not
// yet settled. Persist writes them alongside the queued items.
func (p *Persisted[T]) SetInFlight(fn func() []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = fn
}

// hydrate moves persisted state into memory and clears it from storage.
func (p *Persisted[T]) hydrate(ctx context.Context) {
	release, err := storage.AcquireLock(ctx, p.store, p.lockKey, p.lockOpts...)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "lock", err)
		return
	}
	defer p.release(ctx, release)

	items, err := p.readItems(ctx)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "read items", err)
		return
	}
	seen, err := p.readSeen(ctx)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "read seen", err)
		return
	}

	added := p.merge(items, seen)

	for _, key := range []string{p.itemsKey, p.seenKey} {
		if err := p.store.Remove(ctx, key); err != nil {
			observability.LogStorageError(p.logger, p.name, "remove", err)
		}
	}
	if added > 0 {
		observability.LogQueueHydrated(p.logger, p.name, added)
	}
}

// Persist writes queued and in-flight items plus the seen counts to storage,
// merging with anything another process already wrote. Failures are logged
// and never returned.
func (p *Persisted[T]) Persist(ctx context.Context) {
	items := p.Items()

	p.mu.Lock()
	inFlight := p.inFlight
	p.mu.Unlock()
	if inFlight != nil {
		items = appendUnique(items, inFlight())
	}

	if len(items) == 0 {
		return
	}

	release, err := storage.AcquireLock(ctx, p.store, p.lockKey, p.lockOpts...)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "lock", err)
		return
	}
	defer p.release(ctx, release)

	stored, err := p.readItems(ctx)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "read items", err)
		stored = nil
	}
	storedSeen, err := p.readSeen(ctx)
	if err != nil {
		observability.LogStorageError(p.logger, p.name, "read seen", err)
		storedSeen = nil
	}

	merged := appendUnique(items, stored)
	seen := make(map[string]int, len(storedSeen))
	for id, n := range storedSeen {
		seen[id] = n
	}
	for id, n := range p.Seen() {
		seen[id] = n
	}

	encoded := p.encodeItems(merged)
	if err := p.write(ctx, p.itemsKey, encoded); err != nil {
		observability.LogStorageError(p.logger, p.name, "write items", err)
		return
	}
	if err := p.write(ctx, p.seenKey, seen); err != nil {
		observability.LogStorageError(p.logger, p.name, "write seen", err)
		return
	}
	observability.LogQueuePersisted(p.logger, p.name, len(encoded))
}

// encodeItems encodes items one at a time. An item that cannot be encoded
// is logged and left out.
func (p *Persisted[T]) encodeItems(items []T) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			observability.LogQueueItemSkipped(p.logger, p.name, item.ID(), "encode item", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

// readItems decodes the stored items one at a time. An item that cannot be
// decoded is logged and left out.
func (p *Persisted[T]) readItems(ctx context.Context) ([]T, error) {
	var raw []json.RawMessage
	if err := p.read(ctx, p.itemsKey, &raw); err != nil {
		return nil, err
	}
	items := make([]T, 0, len(raw))
	for i, data := range raw {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			observability.LogQueueItemSkipped(p.logger, p.name, "#"+strconv.Itoa(i), "decode item", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (p *Persisted[T]) readSeen(ctx context.Context) (map[string]int, error) {
	var seen map[string]int
	if err := p.read(ctx, p.seenKey, &seen); err != nil {
		return nil, err
	}
	return seen, nil
}

// read decodes key into v. A missing key leaves v untouched.
func (p *Persisted[T]) read(ctx context.Context, key string, v any) error {
	data, err := p.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (p *Persisted[T]) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, key, data)
}

func (p *Persisted[T]) release(ctx context.Context, release storage.Releaser) {
	if err := release(ctx); err != nil {
		observability.LogStorageError(p.logger, p.name, "unlock", err)
	}
}

// appendUnique appends the items of extra whose ids are not already in base.
func appendUnique[T Item](base, extra []T) []T {
	ids := make(map[string]bool, len(base)+len(extra))
	out := make([]T, 0, len(base)+len(extra))
	for _, list := range [][]T{base, extra} {
		for _, item := range list {
			id := item.ID()
			if ids[id] {
				continue
			}
			ids[id] = true
			out = append(out, item)
		}
	}
	return out
}
