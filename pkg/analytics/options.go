package analytics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randalmurphal/analytics/pkg/analytics/dispatch"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/identity"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
	"github.com/randalmurphal/analytics/pkg/analytics/storage"
	"github.com/randalmurphal/analytics/pkg/analytics/termination"
)

// clientConfig holds construction options for New.
type clientConfig struct {
	logger          *slog.Logger
	store           storage.Store
	transport       dispatch.Transport
	metrics         observability.MetricsRecorder
	registerer      prometheus.Registerer
	spans           observability.SpanManager
	user            *identity.User
	plugins         []*plugin.Plugin
	callbackTimeout time.Duration
	termination     *termination.Signal
	factoryOpts     []event.FactoryOption
	retryInitial    time.Duration
	retryMax        time.Duration
}

// Option configures an Analytics client.
type Option func(*clientConfig)

// WithLogger sets the logger. Defaults to a logger built from the
// settings' log level and format.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithStore sets the storage used for identity and the durable queue. The
// client does not close a store passed this way.
func WithStore(store storage.Store) Option {
	return func(c *clientConfig) {
		c.store = store
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(t dispatch.Transport) Option {
	return func(c *clientConfig) {
		c.transport = t
	}
}

// WithMetrics sets the metrics recorder, overriding the settings' metrics
// backend.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *clientConfig) {
		c.metrics = m
	}
}

// WithPrometheusRegisterer sets where Prometheus collectors are registered
// when the metrics backend is "prometheus". Defaults to
// prometheus.DefaultRegisterer.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(c *clientConfig) {
		c.registerer = reg
	}
}

// WithSpanManager sets the tracer, overriding the settings' tracing flag.
func WithSpanManager(s observability.SpanManager) Option {
	return func(c *clientConfig) {
		c.spans = s
	}
}

// WithUser sets the identity store.
func WithUser(u *identity.User) Option {
	return func(c *clientConfig) {
		c.user = u
	}
}

// WithPlugins registers plugins after the built-in delivery destination.
func WithPlugins(plugins ...*plugin.Plugin) Option {
	return func(c *clientConfig) {
		c.plugins = append(c.plugins, plugins...)
	}
}

// WithCallbackTimeout bounds how long a call waits for its callback.
// Overrides the settings' callback timeout.
func WithCallbackTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.callbackTimeout = d
	}
}

// WithTermination sets the termination signal, for sharing one signal
// across clients or wiring it to OS signals before New.
func WithTermination(s *termination.Signal) Option {
	return func(c *clientConfig) {
		c.termination = s
	}
}

// WithFactoryOptions passes options to the event factory, such as a fixed
// clock or message id generator.
func WithFactoryOptions(opts ...event.FactoryOption) Option {
	return func(c *clientConfig) {
		c.factoryOpts = append(c.factoryOpts, opts...)
	}
}

// WithRetryBackoff sets the delay before a failed batch is resent.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(c *clientConfig) {
		c.retryInitial = initial
		c.retryMax = max
	}
}

// Callback is invoked once a call's pipeline run settles.
type Callback func(ctx context.Context, c *event.Context) error

// callConfig holds per-call options.
type callConfig struct {
	options      event.Options
	integrations map[string]any
	callback     Callback
}

// CallOption configures a single tracking call.
type CallOption func(*callConfig)

// WithOptions sets the call's event options: timestamp, ids, context,
// integrations and traits.
func WithOptions(o event.Options) CallOption {
	return func(c *callConfig) {
		c.options = o
	}
}

// WithIntegrations merges m over the integrations from settings and options.
func WithIntegrations(m map[string]any) CallOption {
	return func(c *callConfig) {
		c.integrations = m
	}
}

// WithCallback registers a callback for the call.
func WithCallback(cb Callback) CallOption {
	return func(c *callConfig) {
		c.callback = cb
	}
}
