package analytics_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/analytics/pkg/analytics"
	"github.com/randalmurphal/analytics/pkg/analytics/config"
	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
	"github.com/randalmurphal/analytics/pkg/analytics/queue"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
)

type sentEvent struct {
	Type         string         `json:"type"`
	MessageID    string         `json:"messageId"`
	Event        string         `json:"event"`
	UserID       string         `json:"userId"`
	AnonymousID  string         `json:"anonymousId"`
	Properties   map[string]any `json:"properties"`
	Traits       map[string]any `json:"traits"`
	Integrations map[string]any `json:"integrations"`
}

type collector struct {
	mu      sync.Mutex
	batches [][]sentEvent
	auth    []string
	status  int
	srv     *httptest.Server
}

func newCollector(t *testing.T, status int) *collector {
	t.Helper()
	c := &collector{status: status}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env struct {
			Batch []sentEvent `json:"batch"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &env)
		user, _, _ := r.BasicAuth()

		c.mu.Lock()
		c.batches = append(c.batches, env.Batch)
		c.auth = append(c.auth, user)
		code := c.status
		c.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *collector) events() []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *collector) setStatus(code int) {
	c.mu.Lock()
	c.status = code
	c.mu.Unlock()
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func settings(endpoint string) config.Settings {
	s := config.Defaults()
	s.WriteKey = "wk_test"
	s.Endpoint = endpoint
	s.BatchSize = 1
	s.FlushInterval = time.Hour
	return s
}

func newClient(t *testing.T, s config.Settings, opts ...analytics.Option) *analytics.Analytics {
	t.Helper()
	opts = append([]analytics.Option{
		analytics.WithLogger(quiet),
		analytics.WithRetryBackoff(5*time.Millisecond, 10*time.Millisecond),
	}, opts...)
	client, err := analytics.New(context.Background(), s, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return client
}

func TestNew_InvalidSettings(t *testing.T) {
	s := config.Defaults()
	s.BatchSize = 0
	_, err := analytics.New(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestNew_UnknownStorageDriver(t *testing.T) {
	s := config.Defaults()
	s.StorageDriver = "cassandra"
	_, err := analytics.New(context.Background(), s, analytics.WithLogger(quiet))
	require.Error(t, err)
}

func TestTrack_Delivers(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))
	ctx := context.Background()

	c, err := client.Track(ctx, "Order Completed", map[string]any{"total": 42})
	require.NoError(t, err)
	require.NotNil(t, c)

	require.Eventually(t, c.Sealed, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, c.FailedDelivery())

	got := col.events()
	require.Len(t, got, 1)
	assert.Equal(t, "track", got[0].Type)
	assert.Equal(t, "Order Completed", got[0].Event)
	assert.Equal(t, float64(42), got[0].Properties["total"])
	assert.NotEmpty(t, got[0].AnonymousID)
	assert.Equal(t, c.Event().MessageID, got[0].MessageID)

	col.mu.Lock()
	assert.Equal(t, "wk_test", col.auth[0])
	col.mu.Unlock()
}

func TestTrack_ValidationError(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))

	c, err := client.Track(context.Background(), "", nil)
	assert.Nil(t, c)
	var vErr *aerrors.ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = client.Track(context.Background(), "Bad Props", "not an object")
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "properties", vErr.Field)

	_, err = client.Group(context.Background(), "", nil)
	require.ErrorAs(t, err, &vErr)
	assert.Empty(t, col.events())
}

func TestIdentify_UpdatesUser(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))
	ctx := context.Background()

	c, err := client.Identify(ctx, "user-1", map[string]any{"plan": "pro"})
	require.NoError(t, err)
	require.Eventually(t, c.Sealed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "user-1", client.User().ID())

	_, err = client.Track(ctx, "Clicked", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.events()) == 2 }, 2*time.Second, 5*time.Millisecond)
	got := col.events()
	assert.Equal(t, "identify", got[0].Type)
	assert.Equal(t, "pro", got[0].Traits["plan"])
	assert.Equal(t, "user-1", got[1].UserID, "later calls carry the identified user")

	client.Reset(ctx)
	assert.Empty(t, client.User().ID())
}

func TestCalls_AllTypes(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))
	ctx := context.Background()

	_, err := client.Page(ctx, "Docs", "Install", nil)
	require.NoError(t, err)
	_, err = client.Screen(ctx, "Home", "Feed", nil)
	require.NoError(t, err)
	_, err = client.Group(ctx, "acme", map[string]any{"seats": 10})
	require.NoError(t, err)
	_, err = client.Alias(ctx, "user-2", "user-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.events()) == 4 }, 2*time.Second, 5*time.Millisecond)
	types := make([]string, 0, 4)
	for _, e := range col.events() {
		types = append(types, e.Type)
	}
	assert.ElementsMatch(t, []string{"page", "screen", "group", "alias"}, types)
}

func TestCallback_Invoked(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))

	var got *event.Context
	c, err := client.Track(context.Background(), "Signed Up", nil,
		analytics.WithCallback(func(_ context.Context, c *event.Context) error {
			got = c
			return nil
		}))
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestCallback_TimesOut(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL), analytics.WithCallbackTimeout(20*time.Millisecond))

	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	c, err := client.Track(context.Background(), "Slow", nil,
		analytics.WithIntegrations(map[string]any{"All": false}),
		analytics.WithCallback(func(ctx context.Context, _ *event.Context) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		}))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	found := false
	for _, l := range c.Logs() {
		if l.Message == "callback timed out" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCallback_PanicRecovered(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))

	_, err := client.Track(context.Background(), "Boom", nil,
		analytics.WithCallback(func(context.Context, *event.Context) error {
			panic("callback exploded")
		}))
	require.NoError(t, err)
}

func TestIntegrations_DisableDelivery(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))

	c, err := client.Track(context.Background(), "Hidden", nil,
		analytics.WithIntegrations(map[string]any{"All": false}))
	require.NoError(t, err)
	assert.False(t, c.Sealed())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, col.events())
}

func TestSourceMiddleware_Cancels(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL))
	client.Use(func(_ context.Context, e *event.Event) *event.Event {
		if e.Event == "Drop Me" {
			return nil
		}
		e.Properties["tagged"] = true
		return e
	})

	c, err := client.Track(context.Background(), "Drop Me", nil)
	require.NoError(t, err)
	assert.True(t, c.Cancelled())

	_, err = client.Track(context.Background(), "Keep Me", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(col.events()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, true, col.events()[0].Properties["tagged"])
}

func TestRegister_EnrichmentPlugin(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	enrich := plugin.Plugin{
		Name:    "app-version",
		Version: "1.0.0",
		Type:    plugin.TypeEnrichment,
	}.All(func(_ context.Context, c *event.Context) (*event.Context, error) {
		e := c.Event()
		if e.Context == nil {
			e.Context = map[string]any{}
		}
		e.Context["app"] = map[string]any{"version": "1.2.3"}
		return c, nil
	})

	client := newClient(t, settings(col.srv.URL), analytics.WithPlugins(enrich))
	assert.Len(t, client.Plugins(), 2)

	c, err := client.Track(context.Background(), "Opened", nil)
	require.NoError(t, err)
	require.Eventually(t, c.Sealed, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "1.2.3", c.Event().Context["app"].(map[string]any)["version"])

	require.NoError(t, client.Deregister(context.Background(), "app-version"))
	assert.Len(t, client.Plugins(), 1)
}

func TestFlush_SendsBuffered(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	s := settings(col.srv.URL)
	s.BatchSize = 10
	client := newClient(t, s)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := client.Track(ctx, name, nil)
		require.NoError(t, err)
	}
	assert.Empty(t, col.events())

	client.Flush(ctx)
	col.mu.Lock()
	assert.Len(t, col.batches, 1)
	assert.Len(t, col.batches[0], 3)
	col.mu.Unlock()
}

func TestClose_PersistsUndelivered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	col := newCollector(t, http.StatusServiceUnavailable)

	s := settings(col.srv.URL)
	s.BatchSize = 10
	client, err := analytics.New(ctx, s,
		analytics.WithLogger(quiet),
		analytics.WithStore(store),
		analytics.WithRetryBackoff(time.Hour, time.Hour),
	)
	require.NoError(t, err)

	_, err = client.Track(ctx, "Queued", nil)
	require.NoError(t, err)
	require.NoError(t, client.Close(ctx))
	assert.True(t, client.Termination().Fired())

	_, err = client.Track(ctx, "Late", nil)
	assert.ErrorIs(t, err, analytics.ErrClosed)
	assert.NoError(t, client.Close(ctx), "close is idempotent")

	restored := queue.NewPersisted[*event.Context](ctx, s.DestinationName, s.MaxAttempts, store, queue.WithLogger(quiet))
	require.Equal(t, 1, restored.Len())
	assert.Equal(t, "Queued", restored.Items()[0].Event().Event)

	// The next client resumes delivery of what the first one left behind.
	col.setStatus(http.StatusOK)
	s.BatchSize = 1
	next := newClient(t, s, analytics.WithStore(store))
	require.Eventually(t, func() bool {
		for _, e := range col.events() {
			if e.Event == "Queued" {
				return next.Delivery().Queue().Len() == 0
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_StorageFallsBack(t *testing.T) {
	col := newCollector(t, http.StatusOK)
	client := newClient(t, settings(col.srv.URL), analytics.WithStore(failingStore{}))
	c, err := client.Track(context.Background(), "Works Anyway", nil)
	require.NoError(t, err)
	require.Eventually(t, c.Sealed, 2*time.Second, 5*time.Millisecond)
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte) error   { return errStoreDown }
func (failingStore) Remove(context.Context, string) error        { return errStoreDown }
func (failingStore) Close() error                                { return nil }
