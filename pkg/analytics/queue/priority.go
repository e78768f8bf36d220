// Package queue provides the bounded retry queue used for event delivery and
// its storage-backed variant that survives restarts.
//
// Retries are deprioritized by how often an item has been pushed (its seen
// count) rather than by timers: items pushed for the first time are always
// served before items that are being retried.
package queue

import (
	"sort"
	"sync"
)

// DefaultMaxAttempts is the delivery layer's attempt budget.
const DefaultMaxAttempts = 10

// Item is anything with a stable identity.
type Item interface {
	ID() string
}

// attemptSetter is implemented by items that want their seen count stamped
// on them at push time.
type attemptSetter interface {
	SetAttempts(n int)
}

// Queue is the retry queue surface shared by PriorityQueue and Persisted.
type Queue[T Item] interface {
	// Push enqueues item and reports whether it was accepted. Every call
	// counts as an attempt, accepted or not.
	Push(item T) bool

	// Pop removes and returns the least-seen, earliest-inserted item.
	Pop() (T, bool)

	// Len returns the number of queued items.
	Len() int

	// Attempts returns how many times item has been pushed.
	Attempts(item T) int

	// Includes reports whether an item with the same id is queued.
	Includes(item T) bool

	// Seen returns a copy of the seen counts.
	Seen() map[string]int

	// Items returns the queued items in pop order.
	Items() []T
}

type entry[T Item] struct {
	item T
	seq  uint64
}

// PriorityQueue is an in-memory retry queue with a per-id attempt budget.
// Safe for concurrent use.
type PriorityQueue[T Item] struct {
	mu          sync.Mutex
	maxAttempts int
	entries     []entry[T]
	seen        map[string]int
	seq         uint64
}

// Compile-time interface check.
var _ Queue[Item] = (*PriorityQueue[Item])(nil)

// NewPriorityQueue creates a queue that rejects an id once it has been
// pushed more than maxAttempts times. maxAttempts < 1 means
// DefaultMaxAttempts.
func NewPriorityQueue[T Item](maxAttempts int) *PriorityQueue[T] {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &PriorityQueue[T]{
		maxAttempts: maxAttempts,
		seen:        make(map[string]int),
	}
}

// MaxAttempts returns the attempt budget.
func (q *PriorityQueue[T]) MaxAttempts() int {
	return q.maxAttempts
}

// Push implements Queue. The push is rejected when the id has exhausted its
// attempts or is already queued.
func (q *PriorityQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := item.ID()
	q.seen[id]++
	attempts := q.seen[id]

	if attempts > q.maxAttempts || q.indexOf(id) >= 0 {
		return false
	}

	if s, ok := any(item).(attemptSetter); ok {
		s.SetAttempts(attempts)
	}
	q.append(item)
	return true
}

// Pop implements Queue.
func (q *PriorityQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.entries) == 0 {
		return zero, false
	}

	best := 0
	for i := 1; i < len(q.entries); i++ {
		if q.less(i, best) {
			best = i
		}
	}
	item := q.entries[best].item
	q.entries = append(q.entries[:best], q.entries[best+1:]...)
	return item, true
}

// Len implements Queue.
func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Attempts implements Queue.
func (q *PriorityQueue[T]) Attempts(item T) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[item.ID()]
}

// Includes implements Queue.
func (q *PriorityQueue[T]) Includes(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(item.ID()) >= 0
}

// Seen implements Queue.
func (q *PriorityQueue[T]) Seen() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.seen))
	for id, n := range q.seen {
		out[id] = n
	}
	return out
}

// Items implements Queue.
func (q *PriorityQueue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := make([]entry[T], len(q.entries))
	copy(sorted, q.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return q.lessEntry(sorted[i], sorted[j])
	})

	out := make([]T, len(sorted))
	for i, e := range sorted {
		out[i] = e.item
	}
	return out
}

// merge folds items and seen counts restored from storage into the queue.
// Restored items go ahead of anything already queued; ids already queued are
// skipped. Current seen counts win over restored ones.
func (q *PriorityQueue[T]) merge(restored []T, restoredSeen map[string]int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, n := range restoredSeen {
		if _, ok := q.seen[id]; !ok {
			q.seen[id] = n
		}
	}

	existing := q.entries
	q.entries = make([]entry[T], 0, len(restored)+len(existing))
	q.seq = 0

	added := 0
	ids := make(map[string]bool, len(existing))
	for _, e := range existing {
		ids[e.item.ID()] = true
	}
	for _, item := range restored {
		id := item.ID()
		if ids[id] {
			continue
		}
		ids[id] = true
		// Every persisted item was pushed at least once.
		if q.seen[id] < 1 {
			q.seen[id] = 1
		}
		if s, ok := any(item).(attemptSetter); ok {
			s.SetAttempts(q.seen[id])
		}
		q.append(item)
		added++
	}
	for _, e := range existing {
		q.append(e.item)
	}
	return added
}

// append must be called with mu held.
func (q *PriorityQueue[T]) append(item T) {
	q.seq++
	q.entries = append(q.entries, entry[T]{item: item, seq: q.seq})
}

// indexOf must be called with mu held.
func (q *PriorityQueue[T]) indexOf(id string) int {
	for i, e := range q.entries {
		if e.item.ID() == id {
			return i
		}
	}
	return -1
}

func (q *PriorityQueue[T]) less(i, j int) bool {
	return q.lessEntry(q.entries[i], q.entries[j])
}

func (q *PriorityQueue[T]) lessEntry(a, b entry[T]) bool {
	sa, sb := q.seen[a.item.ID()], q.seen[b.item.ID()]
	if sa != sb {
		return sa < sb
	}
	return a.seq < b.seq
}
