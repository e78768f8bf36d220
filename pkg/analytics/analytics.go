package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/analytics/pkg/analytics/config"
	"github.com/randalmurphal/analytics/pkg/analytics/destination"
	"github.com/randalmurphal/analytics/pkg/analytics/dispatch"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/identity"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
	"github.com/randalmurphal/analytics/pkg/analytics/queue"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
	"github.com/randalmurphal/analytics/pkg/analytics/termination"
)

// Analytics is the client: it builds events, runs them through the plugin
// pipeline and delivers them in batches. Safe for concurrent use.
type Analytics struct {
	settings config.Settings
	logger   *slog.Logger

	factory     *event.Factory
	user        *identity.User
	pipeline    *plugin.Pipeline
	delivery    *destination.Delivery
	termination *termination.Signal

	store     storage.Store
	ownsStore bool

	callbackTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	mu        sync.RWMutex
	closed    bool
}

// Compile-time interface check.
var _ plugin.Instance = (*Analytics)(nil)

// New builds a client from settings. A storage driver that cannot be opened
// is an error. A store that opens but fails a round trip is logged and
// replaced with no persistence.
func New(ctx context.Context, s config.Settings, opts ...Option) (*Analytics, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	cfg := clientConfig{callbackTimeout: s.CallbackTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = observability.NewLogger(s.LogLevel, s.LogFormat, nil)
	}

	metrics := cfg.metrics
	if metrics == nil {
		metrics = newMetrics(s.Metrics, cfg.registerer)
	}
	spans := cfg.spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
		if s.Tracing {
			spans = observability.NewSpanManager()
		}
	}

	a := &Analytics{
		settings:        s,
		logger:          logger,
		callbackTimeout: cfg.callbackTimeout,
	}

	opened := cfg.store
	if opened == nil {
		var err error
		if opened, err = storage.Open(s.StorageDriver, s.StorageDSN); err != nil {
			return nil, err
		}
		a.ownsStore = true
	}
	store := storage.Check(ctx, opened, logger)
	if a.ownsStore && store != opened {
		_ = opened.Close()
	}
	a.store = store

	a.user = cfg.user
	if a.user == nil {
		a.user = identity.NewUser(ctx, identity.WithStore(store), identity.WithLogger(logger))
	}

	factoryOpts := append([]event.FactoryOption{event.WithDestinationSettings(s.Integrations)}, cfg.factoryOpts...)
	a.factory = event.NewFactory(a.user, factoryOpts...)

	transport := cfg.transport
	if transport == nil {
		transport = dispatch.NewHTTPTransport(
			dispatch.WithHTTPClient(&http.Client{Timeout: s.RequestTimeout}),
			dispatch.WithWriteKey(s.WriteKey),
			dispatch.WithRateLimit(s.RateLimit, s.RateBurst),
		)
	}

	q := queue.NewPersisted[*event.Context](ctx, s.DestinationName, s.MaxAttempts, store, queue.WithLogger(logger))
	a.delivery = destination.New(s.DestinationName, s.Endpoint, transport, q,
		destination.WithBatchConfig(dispatch.Config{
			Size:            s.BatchSize,
			Timeout:         s.FlushInterval,
			MaxPayloadBytes: s.MaxPayloadBytes,
		}),
		destination.WithRetryBackoff(cfg.retryInitial, cfg.retryMax),
		destination.WithLogger(logger),
		destination.WithMetrics(metrics),
		destination.WithSpanManager(spans),
	)

	a.pipeline = plugin.New(
		plugin.WithLogger(logger),
		plugin.WithMetrics(metrics),
		plugin.WithSpanManager(spans),
		plugin.WithDestinationTimeout(s.DestinationTimeout),
	)

	a.termination = cfg.termination
	if a.termination == nil {
		a.termination = termination.New().WithLogger(logger)
	}
	subscription := "delivery:" + s.DestinationName
	if err := a.termination.Subscribe(subscription, a.delivery.Terminate); err != nil {
		a.closeOwnedStore()
		return nil, fmt.Errorf("subscribe to termination: %w", err)
	}

	plugins := append([]*plugin.Plugin{a.delivery.Plugin()}, cfg.plugins...)
	if err := a.pipeline.Register(ctx, a, plugins...); err != nil {
		a.termination.Unsubscribe(subscription)
		_ = a.pipeline.Deregister(ctx, a, pluginNames(a.pipeline.Plugins())...)
		a.closeOwnedStore()
		return nil, err
	}

	return a, nil
}

func newMetrics(backend string, reg prometheus.Registerer) observability.MetricsRecorder {
	switch backend {
	case "otel":
		return observability.NewMetricsRecorder()
	case "prometheus":
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		return observability.NewPrometheusMetrics(reg)
	default:
		return observability.NoopMetrics{}
	}
}

// Logger implements plugin.Instance.
func (a *Analytics) Logger() *slog.Logger {
	return a.logger
}

// Settings implements plugin.Instance.
func (a *Analytics) Settings(name string) config.Config {
	return a.settings.DestinationSettings(name)
}

// User returns the identity store.
func (a *Analytics) User() *identity.User {
	return a.user
}

// Termination returns the termination signal. Wire it to OS signals with
// NotifyOnOS.
func (a *Analytics) Termination() *termination.Signal {
	return a.termination
}

// Delivery returns the built-in delivery destination.
func (a *Analytics) Delivery() *destination.Delivery {
	return a.delivery
}

// Track records an action the user performed.
func (a *Analytics) Track(ctx context.Context, name string, properties any, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	e, err := a.factory.Track(name, properties, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

// Identify ties the user to userID and records traits. An empty userID
// keeps the current id.
func (a *Analytics) Identify(ctx context.Context, userID string, traits any, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	a.user.Identify(ctx, userID)
	e, err := a.factory.Identify(userID, traits, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

// Page records a page view.
func (a *Analytics) Page(ctx context.Context, category, name string, properties any, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	e, err := a.factory.Page(category, name, properties, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

// Screen records a screen view.
func (a *Analytics) Screen(ctx context.Context, category, name string, properties any, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	e, err := a.factory.Screen(category, name, properties, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

// Group associates the user with a group.
func (a *Analytics) Group(ctx context.Context, groupID string, traits any, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	e, err := a.factory.Group(groupID, traits, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

// Alias merges the identity from into to. An empty from means the current
// user.
func (a *Analytics) Alias(ctx context.Context, to, from string, opts ...CallOption) (*event.Context, error) {
	call := callOptions(opts)
	e, err := a.factory.Alias(to, from, call.options, call.integrations)
	if err != nil {
		return nil, err
	}
	return a.dispatch(ctx, e, call)
}

func callOptions(opts []CallOption) callConfig {
	var call callConfig
	for _, opt := range opts {
		opt(&call)
	}
	return call
}

func (a *Analytics) checkOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// dispatch runs e through the pipeline. Pipeline failures stay on the
// Context's log stream and are not returned.
func (a *Analytics) dispatch(ctx context.Context, e *event.Event, call callConfig) (*event.Context, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}

	c := event.NewContext(e)
	out, err := a.pipeline.Run(ctx, c)
	if out == nil {
		out = c
	}
	if err != nil {
		var cancelled *plugin.CancelledError
		if errors.As(err, &cancelled) {
			out.Log(event.LevelInfo, "event cancelled", map[string]any{"reason": err.Error()})
		}
		a.logger.Debug("pipeline halted",
			slog.String("context_id", out.ID()),
			slog.String("message_id", e.MessageID),
			slog.String("error", err.Error()))
	}

	if call.callback != nil {
		a.invokeCallback(ctx, out, call.callback)
	}
	return out, nil
}

// invokeCallback runs cb bounded by the callback timeout. A late result is
// discarded; errors and panics are logged.
func (a *Analytics) invokeCallback(ctx context.Context, c *event.Context, cb Callback) {
	timeout := a.callbackTimeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &CallbackPanicError{Value: r, Stack: string(debug.Stack())}
			}
		}()
		done <- cb(cctx, c)
	}()

	select {
	case err := <-done:
		if err != nil {
			c.Log(event.LevelError, "callback failed", map[string]any{"error": err.Error()})
			a.logger.Warn("callback failed",
				slog.String("context_id", c.ID()),
				slog.String("error", err.Error()))
		}
	case <-cctx.Done():
		c.Log(event.LevelWarn, "callback timed out", map[string]any{"timeout_ms": timeout.Milliseconds()})
		a.logger.Warn("callback timed out",
			slog.String("context_id", c.ID()),
			slog.Duration("timeout", timeout))
	}
}

// Register adds plugins to the pipeline.
func (a *Analytics) Register(ctx context.Context, plugins ...*plugin.Plugin) error {
	return a.pipeline.Register(ctx, a, plugins...)
}

// Deregister removes plugins by name.
func (a *Analytics) Deregister(ctx context.Context, names ...string) error {
	return a.pipeline.Deregister(ctx, a, names...)
}

// Plugins returns the registered plugins.
func (a *Analytics) Plugins() []*plugin.Plugin {
	return a.pipeline.Plugins()
}

// Use adds source middleware.
func (a *Analytics) Use(mw ...plugin.SourceMiddleware) {
	a.pipeline.Use(mw...)
}

// UseDestinationMiddleware adds middleware for one destination.
func (a *Analytics) UseDestinationMiddleware(name string, mw ...plugin.DestinationMiddleware) {
	a.pipeline.UseDestinationMiddleware(name, mw...)
}

// Reset clears the user id and anonymous id.
func (a *Analytics) Reset(ctx context.Context) {
	a.user.Reset(ctx)
}

// Flush sends everything buffered in the delivery destination now.
func (a *Analytics) Flush(ctx context.Context) {
	a.delivery.Batcher().Flush(ctx)
}

// Close fires termination (flushing and persisting undelivered events),
// unloads every plugin and closes storage the client opened. Later calls
// return the first result.
func (a *Analytics) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.termination.Fire(ctx)

		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		a.closeErr = errors.Join(
			a.pipeline.Deregister(ctx, a, pluginNames(a.pipeline.Plugins())...),
			a.closeOwnedStore(),
		)
	})
	return a.closeErr
}

func (a *Analytics) closeOwnedStore() error {
	if !a.ownsStore || a.store == nil {
		return nil
	}
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}

func pluginNames(plugins []*plugin.Plugin) []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}
