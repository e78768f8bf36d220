package termination

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignal_FiresOnceInOrder(t *testing.T) {
	s := New()
	var order []string
	require.NoError(t, s.Subscribe("batcher", func(context.Context) error {
		order = append(order, "batcher")
		return nil
	}))
	require.NoError(t, s.Subscribe("queue", func(context.Context) error {
		order = append(order, "queue")
		return nil
	}))

	assert.False(t, s.Fired())
	s.Fire(context.Background())
	s.Fire(context.Background())

	assert.True(t, s.Fired())
	assert.Equal(t, []string{"batcher", "queue"}, order)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Fire")
	}
}

func TestSignal_SubscribeValidation(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	assert.Error(t, s.Subscribe("", noop))
	assert.Error(t, s.Subscribe("x", nil))
	require.NoError(t, s.Subscribe("x", noop))
	assert.ErrorContains(t, s.Subscribe("x", noop), "already registered")

	s.Fire(context.Background())
	assert.ErrorIs(t, s.Subscribe("late", noop), ErrAlreadyFired)
}

func TestSignal_Unsubscribe(t *testing.T) {
	s := New()
	called := false
	require.NoError(t, s.Subscribe("x", func(context.Context) error {
		called = true
		return nil
	}))
	s.Unsubscribe("x")
	s.Fire(context.Background())
	assert.False(t, called)
}

func TestSignal_HandlerFailuresAreIsolated(t *testing.T) {
	var buf bytes.Buffer
	s := New().WithLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	ran := false
	require.NoError(t, s.Subscribe("errors", func(context.Context) error { return errors.New("disk full") }))
	require.NoError(t, s.Subscribe("panics", func(context.Context) error { panic("boom") }))
	require.NoError(t, s.Subscribe("last", func(context.Context) error {
		ran = true
		return nil
	}))

	assert.NotPanics(t, func() { s.Fire(context.Background()) })
	assert.True(t, ran)
	assert.Contains(t, buf.String(), "disk full")
	assert.Contains(t, buf.String(), "panic: boom")
}

func TestSignal_ConcurrentFire(t *testing.T) {
	s := New()
	var mu sync.Mutex
	calls := 0
	require.NoError(t, s.Subscribe("x", func(context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Fire(context.Background())
		}()
	}
	wg.Wait()
	<-s.Done()
	assert.Equal(t, 1, calls)
}

func TestSignal_NotifyOnOSContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	stop := s.NotifyOnOS(ctx)
	defer stop()

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not fire on context cancel")
	}
}

func TestSignal_NotifyOnOSStop(t *testing.T) {
	s := New()
	stop := s.NotifyOnOS(context.Background())
	stop()
	stop()
	assert.False(t, s.Fired())
}
