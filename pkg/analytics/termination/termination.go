// Package termination provides the single-fire notification delivered before
// the host stops scheduling work.
//
// The batcher and the durable queue subscribe to it: the batcher flushes
// everything it buffered, then the queue writes whatever is still
// undelivered to storage.
package termination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler runs once when the signal fires.
type Handler func(ctx context.Context) error

type subscriber struct {
	name    string
	handler Handler
}

// Signal is a single-fire termination notification. Subscribers run once,
// in subscription order. Safe for concurrent use.
type Signal struct {
	mu          sync.Mutex
	subscribers []subscriber
	fired       bool
	done        chan struct{}
	logger      *slog.Logger
}

// New creates an unfired Signal.
func New() *Signal {
	return &Signal{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for handler failures.
func (s *Signal) WithLogger(logger *slog.Logger) *Signal {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// ErrAlreadyFired is returned by Subscribe after Fire.
var ErrAlreadyFired = errors.New("termination already fired")

// Subscribe adds a handler. Names must be unique.
func (s *Signal) Subscribe(name string, handler Handler) error {
	if name == "" {
		return errors.New("subscriber name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fired {
		return ErrAlreadyFired
	}
	for _, sub := range s.subscribers {
		if sub.name == name {
			return fmt.Errorf("subscriber %q already registered", name)
		}
	}
	s.subscribers = append(s.subscribers, subscriber{name: name, handler: handler})
	return nil
}

// Unsubscribe removes a handler by name.
func (s *Signal) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.name == name {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// Fire runs every subscriber in order. Only the first call does anything;
// it returns after all handlers finished. Handler errors and panics are
// logged and do not stop later handlers.
func (s *Signal) Fire(ctx context.Context) {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	subs := make([]subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	defer close(s.done)

	for _, sub := range subs {
		if err := s.run(ctx, sub); err != nil {
			s.logger.Error("termination handler failed",
				"subscriber", sub.name,
				"error", err,
			)
		}
	}
}

func (s *Signal) run(ctx context.Context, sub subscriber) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.handler(ctx)
}

// Fired reports whether Fire has been called.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Done is closed once every handler of the first Fire has returned.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// NotifyOnOS fires the signal when the process receives one of sigs
// (SIGINT and SIGTERM when none are given) or when ctx is cancelled.
// The returned stop function releases the OS signal registration without
// firing.
func (s *Signal) NotifyOnOS(ctx context.Context, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	notifyCtx, cancel := signal.NotifyContext(ctx, sigs...)

	stopped := make(chan struct{})
	exited := make(chan struct{})
	var once sync.Once
	go func() {
		defer close(exited)
		select {
		case <-notifyCtx.Done():
			s.Fire(context.WithoutCancel(ctx))
		case <-stopped:
		}
	}()

	return func() {
		once.Do(func() {
			close(stopped)
			<-exited
			cancel()
		})
	}
}
