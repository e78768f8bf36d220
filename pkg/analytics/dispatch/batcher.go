// Package dispatch groups serialized events into batches and posts them to
// collection endpoints.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
)

// Defaults for batch triggers.
const (
	DefaultSize            = 10
	DefaultTimeout         = 5 * time.Second
	DefaultMaxPayloadBytes = 64 * 1024
)

// envelopeOverhead is reserved for `{"batch":[],"sentAt":"..."}` when
// checking the payload cap.
const envelopeOverhead = 64

// ErrClosed is returned by Dispatch after Close and reported for items
// still buffered at Close.
var ErrClosed = errors.New("batcher closed")

// ErrPayloadTooLarge is reported, as a permanent error, for an item that
// would exceed MaxPayloadBytes even in a batch of its own. Such items are
// never sent.
var ErrPayloadTooLarge = errors.New("payload exceeds max batch size")

// Result reports the outcome of one batch request.
type Result struct {
	Endpoint string
	// IDs are the item ids in the batch, in dispatch order.
	IDs       []string
	SizeBytes int
	// Err is nil on success.
	Err error
}

// Config holds the flush triggers.
type Config struct {
	// Size flushes once this many items are buffered for an endpoint.
	Size int
	// Timeout flushes this long after the first item is buffered.
	Timeout time.Duration
	// MaxPayloadBytes caps the serialized request body.
	MaxPayloadBytes int
}

// DefaultConfig returns the default flush triggers.
func DefaultConfig() Config {
	return Config{
		Size:            DefaultSize,
		Timeout:         DefaultTimeout,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithConfig sets flush triggers. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(b *Batcher) {
		if cfg.Size > 0 {
			b.cfg.Size = cfg.Size
		}
		if cfg.Timeout > 0 {
			b.cfg.Timeout = cfg.Timeout
		}
		if cfg.MaxPayloadBytes > 0 {
			b.cfg.MaxPayloadBytes = cfg.MaxPayloadBytes
		}
	}
}

// WithOnResult sets the callback receiving every batch outcome. It is called
// from the goroutine that sent the batch.
func WithOnResult(fn func(Result)) Option {
	return func(b *Batcher) {
		b.onResult = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Batcher) {
		b.logger = logger
	}
}

// WithMetrics records flush outcomes and sizes.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(b *Batcher) {
		if m != nil {
			b.metrics = m
		}
	}
}

// WithSpanManager traces batch requests.
func WithSpanManager(s observability.SpanManager) Option {
	return func(b *Batcher) {
		if s != nil {
			b.spans = s
		}
	}
}

type item struct {
	id      string
	payload json.RawMessage
}

type buffer struct {
	items []item
	// size is the serialized length of items including separators.
	size  int
	timer *time.Timer
	// gen identifies the armed timer.
	gen uint64
	// resumeAt holds timed flushes back after a rate limit response.
	resumeAt time.Time
}

// Batcher buffers items per endpoint and posts them as batches. Flush
// failures are reported only through the result callback; the Batcher never
// retries. Safe for concurrent use.
type Batcher struct {
	mu         sync.Mutex
	cfg        Config
	transport  Transport
	buffers    map[string]*buffer
	terminated bool
	closed     bool

	// timers counts armed timers plus running timed flushes.
	timers sync.WaitGroup

	onResult func(Result)
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	now      func() time.Time
}

// New creates a Batcher that sends through transport.
func New(transport Transport, opts ...Option) *Batcher {
	b := &Batcher{
		cfg:       DefaultConfig(),
		transport: transport,
		buffers:   make(map[string]*buffer),
		onResult:  func(Result) {},
		logger:    slog.Default(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.onResult == nil {
		b.onResult = func(Result) {}
	}
	return b
}

// Dispatch buffers payload for endpoint. Reaching the size trigger, or
// exceeding the payload cap with this item, sends a batch synchronously on
// the caller's goroutine. After Terminate every item is sent immediately.
// An item that cannot fit a batch on its own is reported with
// ErrPayloadTooLarge and never sent.
//
// The only error returned is ErrClosed; delivery failures go to the result
// callback.
func (b *Batcher) Dispatch(ctx context.Context, endpoint, id string, payload json.RawMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(payload)+envelopeOverhead > b.cfg.MaxPayloadBytes {
		b.mu.Unlock()
		b.reject(endpoint, id, len(payload))
		return nil
	}
	if b.terminated {
		b.mu.Unlock()
		b.send(ctx, endpoint, []item{{id: id, payload: payload}})
		return nil
	}

	buf := b.buffers[endpoint]
	if buf == nil {
		buf = &buffer{}
		b.buffers[endpoint] = buf
	}

	var batches [][]item
	if len(buf.items) > 0 && buf.size+1+len(payload)+envelopeOverhead > b.cfg.MaxPayloadBytes {
		batches = append(batches, b.take(buf))
	}

	if len(buf.items) > 0 {
		buf.size++
	}
	buf.items = append(buf.items, item{id: id, payload: payload})
	buf.size += len(payload)

	if len(buf.items) >= b.cfg.Size {
		batches = append(batches, b.take(buf))
	} else if buf.timer == nil {
		b.arm(endpoint, buf)
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.send(ctx, endpoint, batch)
	}
	return nil
}

// arm starts the flush timer for buf. Must hold b.mu.
func (b *Batcher) arm(endpoint string, buf *buffer) {
	delay := b.cfg.Timeout
	if wait := buf.resumeAt.Sub(b.now()); wait > delay {
		delay = wait
	}

	buf.gen++
	gen := buf.gen
	b.timers.Add(1)
	buf.timer = time.AfterFunc(delay, func() {
		defer b.timers.Done()
		b.timedFlush(endpoint, buf, gen)
	})
}

func (b *Batcher) timedFlush(endpoint string, buf *buffer, gen uint64) {
	b.mu.Lock()
	if buf.timer == nil || buf.gen != gen {
		// Taken by another trigger after this timer fired.
		b.mu.Unlock()
		return
	}
	buf.timer = nil
	batch := b.take(buf)
	b.mu.Unlock()

	b.send(context.Background(), endpoint, batch)
}

// take empties buf and disarms its timer. Must hold b.mu.
func (b *Batcher) take(buf *buffer) []item {
	batch := buf.items
	buf.items = nil
	buf.size = 0
	if buf.timer != nil {
		if buf.timer.Stop() {
			b.timers.Done()
		}
		buf.timer = nil
	}
	return batch
}

// envelope is the wire format of a batch request.
type envelope struct {
	Batch  []json.RawMessage `json:"batch"`
	SentAt time.Time         `json:"sentAt"`
}

func (b *Batcher) send(ctx context.Context, endpoint string, batch []item) {
	if len(batch) == 0 {
		return
	}

	ids := make([]string, len(batch))
	env := envelope{Batch: make([]json.RawMessage, len(batch)), SentAt: b.now().UTC()}
	for i, it := range batch {
		ids[i] = it.id
		env.Batch[i] = it.payload
	}

	body, err := json.Marshal(env)
	if err != nil {
		b.report(ctx, Result{Endpoint: endpoint, IDs: ids, Err: aerrors.Permanent(err, "encode batch")})
		return
	}

	ctx, span := b.spans.StartFlushSpan(ctx, endpoint, len(batch))
	elapsed := observability.TimedOperation()
	err = b.transport.Send(ctx, endpoint, body)
	durationMs := elapsed()

	var rl *aerrors.RateLimitError
	if errors.As(err, &rl) {
		b.spans.AddSpanEvent(ctx, "rate_limited",
			attribute.Int64("retry_after_ms", rl.RetryAfter.Milliseconds()))
		b.holdTimedFlushes(endpoint, rl.RetryAfter)
	}
	b.spans.EndSpanWithError(span, err)

	if err == nil {
		observability.LogFlush(b.logger, endpoint, len(batch), len(body), durationMs)
		b.metrics.RecordDispatched(ctx, endpoint, len(batch))
	}

	b.report(ctx, Result{Endpoint: endpoint, IDs: ids, SizeBytes: len(body), Err: err})
}

func (b *Batcher) report(ctx context.Context, r Result) {
	b.metrics.RecordFlush(ctx, r.Endpoint, len(r.IDs), r.SizeBytes, r.Err)
	if r.Err != nil {
		observability.LogFlushError(b.logger, r.Endpoint, len(r.IDs), r.Err)
	}
	b.onResult(r)
}

// reject reports an item too large to send.
func (b *Batcher) reject(endpoint, id string, size int) {
	err := aerrors.Permanent(ErrPayloadTooLarge, fmt.Sprintf("%d bytes, limit %d", size, b.cfg.MaxPayloadBytes))
	b.logger.Warn("payload rejected",
		slog.String("endpoint", endpoint),
		slog.String("id", id),
		slog.Int("bytes", size),
		slog.Int("max_bytes", b.cfg.MaxPayloadBytes))
	b.onResult(Result{Endpoint: endpoint, IDs: []string{id}, SizeBytes: size, Err: err})
}

// holdTimedFlushes delays the next timed flush for endpoint by d.
func (b *Batcher) holdTimedFlushes(endpoint string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.buffers[endpoint]
	if buf == nil {
		buf = &buffer{}
		b.buffers[endpoint] = buf
	}
	buf.resumeAt = b.now().Add(d)
	if buf.timer != nil && buf.timer.Stop() {
		b.timers.Done()
		buf.timer = nil
		b.arm(endpoint, buf)
	}
	b.logger.Warn("endpoint rate limited",
		slog.String("endpoint", endpoint),
		slog.Duration("retry_after", d))
}

// Flush sends every buffered batch synchronously.
func (b *Batcher) Flush(ctx context.Context) {
	type pending struct {
		endpoint string
		batch    []item
	}

	b.mu.Lock()
	var all []pending
	for endpoint, buf := range b.buffers {
		if len(buf.items) > 0 {
			all = append(all, pending{endpoint: endpoint, batch: b.take(buf)})
		}
	}
	b.mu.Unlock()

	for _, p := range all {
		b.send(ctx, p.endpoint, p.batch)
	}
}

// Terminate flushes everything and switches to unbuffered mode: each later
// Dispatch is sent on its own immediately.
func (b *Batcher) Terminate(ctx context.Context) {
	b.mu.Lock()
	b.terminated = true
	b.mu.Unlock()

	b.Flush(ctx)
}

// Terminated reports whether Terminate was called.
func (b *Batcher) Terminated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminated
}

// Pending returns the number of items buffered for endpoint.
func (b *Batcher) Pending(endpoint string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf := b.buffers[endpoint]; buf != nil {
		return len(buf.items)
	}
	return 0
}

// Close rejects further dispatches, stops timers and waits for running timed
// flushes. Items still buffered are reported with ErrClosed.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true

	var dropped []Result
	for endpoint, buf := range b.buffers {
		if len(buf.items) == 0 {
			continue
		}
		batch := b.take(buf)
		ids := make([]string, len(batch))
		for i, it := range batch {
			ids[i] = it.id
		}
		dropped = append(dropped, Result{Endpoint: endpoint, IDs: ids, Err: aerrors.Transient(ErrClosed, "close")})
	}
	b.mu.Unlock()

	b.timers.Wait()
	for _, r := range dropped {
		b.onResult(r)
	}
}
