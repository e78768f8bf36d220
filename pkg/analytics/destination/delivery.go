// Package destination provides the built-in delivery destination that hands
// pipeline Contexts to the batching dispatcher and retries failed batches
// through the retry queue.
package destination

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/analytics/pkg/analytics/dispatch"
	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
	"github.com/randalmurphal/analytics/pkg/analytics/plugin"
	"github.com/randalmurphal/analytics/pkg/analytics/queue"
)

// DefaultName is the destination name used in integrations maps.
const DefaultName = "Segment.io"

// Drop reasons recorded in metrics.
const (
	ReasonExhausted = "attempts_exhausted"
	ReasonPermanent = "permanent_error"
	ReasonEncode    = "encode_error"
)

// Option configures a Delivery.
type Option func(*Delivery)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Delivery) {
		d.logger = logger
	}
}

// WithMetrics records drops and queue depth, and is passed to the batcher.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(d *Delivery) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithSpanManager traces batch requests.
func WithSpanManager(s observability.SpanManager) Option {
	return func(d *Delivery) {
		if s != nil {
			d.spans = s
		}
	}
}

// WithBatchConfig sets the batcher flush triggers.
func WithBatchConfig(cfg dispatch.Config) Option {
	return func(d *Delivery) {
		d.batchCfg = cfg
	}
}

// WithRetryBackoff sets how long a failed batch waits before its items are
// sent again. The delay doubles per attempt up to max.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(d *Delivery) {
		if initial > 0 {
			d.backoff.InitialBackoff = initial
		}
		if max > 0 {
			d.backoff.MaxBackoff = max
		}
	}
}

// Delivery bridges the plugin pipeline to the batching dispatcher. Every
// Context it receives is queued, then drained into the batcher; batch
// outcomes settle or requeue the Contexts. Safe for concurrent use.
type Delivery struct {
	name     string
	endpoint string
	queue    queue.Queue[*event.Context]
	batcher  *dispatch.Batcher

	mu       sync.Mutex
	inFlight map[string]*pending
	// payloads caches serialized events by Context id so a destination
	// middleware transform survives retries.
	payloads map[string]json.RawMessage
	retry    *time.Timer
	loaded   bool
	stopped  bool

	batchCfg dispatch.Config
	backoff  aerrors.RetryConfig

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
}

// pending is a Context handed to the batcher and not yet settled.
type pending struct {
	ctx *event.Context
}

// New creates a Delivery posting to endpoint through transport. q is the
// retry queue, either a queue.PriorityQueue or a queue.Persisted; a nil q
// gets an in-memory queue with the default attempt budget.
func New(name, endpoint string, transport dispatch.Transport, q queue.Queue[*event.Context], opts ...Option) *Delivery {
	if name == "" {
		name = DefaultName
	}
	if q == nil {
		q = queue.NewPriorityQueue[*event.Context](queue.DefaultMaxAttempts)
	}

	d := &Delivery{
		name:     name,
		endpoint: endpoint,
		queue:    q,
		inFlight: make(map[string]*pending),
		payloads: make(map[string]json.RawMessage),
		batchCfg: dispatch.DefaultConfig(),
		backoff:  aerrors.DeliveryRetry,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(d)
	}

	d.batcher = dispatch.New(transport,
		dispatch.WithConfig(d.batchCfg),
		dispatch.WithOnResult(d.settle),
		dispatch.WithLogger(d.logger),
		dispatch.WithMetrics(d.metrics),
		dispatch.WithSpanManager(d.spans),
	)

	if p, ok := q.(*queue.Persisted[*event.Context]); ok {
		p.SetInFlight(d.InFlight)
	}
	return d
}

// Name returns the destination name.
func (d *Delivery) Name() string {
	return d.name
}

// Endpoint returns the batch URL currently in use.
func (d *Delivery) Endpoint() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endpoint
}

// Batcher exposes the underlying batcher.
func (d *Delivery) Batcher() *dispatch.Batcher {
	return d.batcher
}

// Plugin returns the destination plugin registering d in a pipeline.
func (d *Delivery) Plugin() *plugin.Plugin {
	return plugin.Plugin{
		Name:     d.name,
		Type:     plugin.TypeDestination,
		Load:     d.load,
		IsLoaded: d.isLoaded,
		Unload:   d.unload,
	}.All(d.deliver)
}

// load applies destination settings and resumes anything hydrated from
// storage. Settings "apiHost" and "protocol" override the endpoint.
func (d *Delivery) load(ctx context.Context, _ *event.Context, inst plugin.Instance) error {
	settings := inst.Settings(d.name)

	d.mu.Lock()
	if host := settings.String("apiHost", ""); host != "" {
		protocol := settings.String("protocol", "https")
		d.endpoint = protocol + "://" + strings.TrimSuffix(host, "/") + "/batch"
	}
	d.loaded = true
	endpoint := d.endpoint
	d.mu.Unlock()

	if n := d.queue.Len(); n > 0 {
		d.logger.Info("resuming queued events",
			slog.String("destination", d.name),
			slog.String("endpoint", endpoint),
			slog.Int("events", n))
		d.drain(ctx)
	}
	return nil
}

func (d *Delivery) isLoaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

func (d *Delivery) unload(context.Context, *event.Context, plugin.Instance) error {
	d.stop()
	d.batcher.Close()
	return nil
}

// deliver is the stage for every event type.
func (d *Delivery) deliver(ctx context.Context, c *event.Context) (*event.Context, error) {
	payload, err := json.Marshal(plugin.EventFor(ctx, c))
	if err != nil {
		d.drop(ctx, c, aerrors.Permanent(err, "encode event"), ReasonEncode)
		return c, nil
	}

	d.mu.Lock()
	d.payloads[c.ID()] = payload
	d.mu.Unlock()

	if !d.queue.Push(c) {
		d.drop(ctx, c, errors.New("retry queue rejected event"), ReasonExhausted)
		return c, nil
	}
	d.drain(ctx)
	return c, nil
}

// payloadFor returns the serialized event for c. Contexts hydrated from
// storage have no cached payload and are re-encoded; the pipeline hands
// Delivery a view whose event is already the transformed copy, so that is
// what was persisted.
func (d *Delivery) payloadFor(c *event.Context) (json.RawMessage, error) {
	d.mu.Lock()
	payload, ok := d.payloads[c.ID()]
	d.mu.Unlock()
	if ok {
		return payload, nil
	}
	return json.Marshal(c.Event())
}

func (d *Delivery) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.payloads, id)
}

// drain moves what is queued now into the batcher. Items requeued while
// draining wait for the next drain.
func (d *Delivery) drain(ctx context.Context) {
	for n := d.queue.Len(); n > 0; n-- {
		c, ok := d.queue.Pop()
		if !ok {
			break
		}

		payload, err := d.payloadFor(c)
		if err != nil {
			d.drop(ctx, c, aerrors.Permanent(err, "encode event"), ReasonEncode)
			continue
		}

		d.mu.Lock()
		d.inFlight[c.ID()] = &pending{ctx: c}
		endpoint := d.endpoint
		d.mu.Unlock()

		if err := d.batcher.Dispatch(ctx, endpoint, c.ID(), payload); err != nil {
			// Closed batcher: the Context stays in flight for persistence.
			c.Log(event.LevelWarn, "dispatcher closed", map[string]any{"destination": d.name})
		}
	}
	d.metrics.RecordQueueDepth(ctx, d.name, d.queue.Len())
}

// settle applies one batch outcome to its Contexts.
func (d *Delivery) settle(r dispatch.Result) {
	ctx := context.Background()
	retry := false

	for _, id := range r.IDs {
		p := d.release(id)
		if p == nil {
			continue
		}
		c := p.ctx

		switch {
		case r.Err == nil:
			c.Log(event.LevelDebug, "delivered", map[string]any{"destination": d.name, "endpoint": r.Endpoint})
			c.Seal()
			d.forget(id)
		case aerrors.IsRetryable(r.Err):
			if d.queue.Push(c) {
				c.Log(event.LevelWarn, "delivery failed, retrying", map[string]any{
					"destination": d.name,
					"attempt":     c.Attempts(),
					"error":       r.Err.Error(),
				})
				retry = true
				continue
			}
			d.drop(ctx, c, r.Err, ReasonExhausted)
		default:
			d.drop(ctx, c, r.Err, ReasonPermanent)
		}
	}

	if retry {
		d.scheduleRetry()
	}
	d.metrics.RecordQueueDepth(ctx, d.name, d.queue.Len())
}

// release removes id from the in-flight set and returns its record.
func (d *Delivery) release(id string) *pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.inFlight[id]
	delete(d.inFlight, id)
	return p
}

func (d *Delivery) drop(ctx context.Context, c *event.Context, err error, reason string) {
	c.Log(event.LevelError, "dropped", map[string]any{
		"destination": d.name,
		"attempts":    c.Attempts(),
		"error":       err.Error(),
	})
	c.SetFailedDelivery(err)
	c.Seal()
	d.forget(c.ID())

	var messageID string
	if e := c.Event(); e != nil {
		messageID = e.MessageID
	}
	observability.LogDeliveryDropped(d.logger, c.ID(), messageID, c.Attempts(), err)
	d.metrics.RecordDropped(ctx, reason, 1)
}

// scheduleRetry drains the queue after a backoff derived from the highest
// attempt count among the Contexts queued now. One retry timer is armed at
// a time.
func (d *Delivery) scheduleRetry() {
	attempts := 1
	for _, c := range d.queue.Items() {
		if n := d.queue.Attempts(c); n > attempts {
			attempts = n
		}
	}
	delay := d.backoff.Backoff(attempts)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.retry != nil {
		return
	}
	d.retry = time.AfterFunc(delay, func() {
		d.mu.Lock()
		d.retry = nil
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.drain(context.Background())
		}
	})
}

func (d *Delivery) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.retry != nil {
		d.retry.Stop()
		d.retry = nil
	}
}

// InFlight returns Contexts handed to the batcher and not yet settled.
func (d *Delivery) InFlight() []*event.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*event.Context, 0, len(d.inFlight))
	for _, p := range d.inFlight {
		out = append(out, p.ctx)
	}
	return out
}

// Queue returns the retry queue.
func (d *Delivery) Queue() queue.Queue[*event.Context] {
	return d.queue
}

// Terminate flushes the batcher and switches it to unbuffered mode, then
// persists whatever is still queued or in flight when the queue is durable.
// Suitable as a termination handler.
func (d *Delivery) Terminate(ctx context.Context) error {
	d.stop()
	d.batcher.Terminate(ctx)
	if p, ok := d.queue.(*queue.Persisted[*event.Context]); ok {
		p.Persist(ctx)
	}
	return nil
}
