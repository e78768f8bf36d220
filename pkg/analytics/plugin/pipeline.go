package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	aerrors "github.com/randalmurphal/analytics/pkg/analytics/errors"
	"github.com/randalmurphal/analytics/pkg/analytics/event"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
)

// DefaultDestinationTimeout bounds a single destination stage.
const DefaultDestinationTimeout = 10 * time.Second

// ErrNoEvent indicates Run was given a nil Context or a Context without an event.
var ErrNoEvent = errors.New("context has no event")

// ErrCancelled is the cause reported for a Context cancelled by a stage.
var ErrCancelled = errors.New("context cancelled")

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for stage failures. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics records per-stage latency and errors.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpanManager traces events and stages.
func WithSpanManager(s observability.SpanManager) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithDestinationTimeout bounds each destination stage. Zero disables the bound.
func WithDestinationTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.destinationTimeout = d
	}
}

type entry struct {
	plugin *Plugin
}

func (e *entry) loaded() bool {
	return e.plugin.IsLoaded == nil || e.plugin.IsLoaded()
}

// Pipeline holds registered plugins and runs Contexts through them in type
// order: before, enrichment, destination, after. Within a type, plugins run
// in registration order. Safe for concurrent use.
type Pipeline struct {
	mu      sync.RWMutex
	entries []*entry
	source  []SourceMiddleware
	destMW  map[string][]DestinationMiddleware

	logger             *slog.Logger
	metrics            observability.MetricsRecorder
	spans              observability.SpanManager
	destinationTimeout time.Duration
}

// New creates an empty Pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		destMW:             make(map[string][]DestinationMiddleware),
		logger:             slog.Default(),
		metrics:            observability.NoopMetrics{},
		spans:              observability.NoopSpanManager{},
		destinationTimeout: DefaultDestinationTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register loads and adds plugins in order. A destination that fails to load
// is logged and skipped; any other plugin that fails to load stops
// registration with a *LoadError.
func (p *Pipeline) Register(ctx context.Context, inst Instance, plugins ...*Plugin) error {
	for _, pl := range plugins {
		if pl == nil || pl.Name == "" {
			return fmt.Errorf("%w: missing name", ErrInvalidPlugin)
		}
		if !pl.Type.Valid() {
			return fmt.Errorf("%w: %s has unknown type %q", ErrInvalidPlugin, pl.Name, pl.Type)
		}
		if p.has(pl.Name) {
			return fmt.Errorf("%w: %s", ErrDuplicatePlugin, pl.Name)
		}

		if err := p.load(ctx, inst, pl); err != nil {
			observability.LogPluginLoadError(p.logger, pl.Name, err)
			if pl.Type == TypeDestination {
				continue
			}
			return &LoadError{Plugin: pl.Name, Err: err}
		}

		p.mu.Lock()
		p.entries = append(p.entries, &entry{plugin: pl})
		p.mu.Unlock()
	}
	return nil
}

func (p *Pipeline) load(ctx context.Context, inst Instance, pl *Plugin) (err error) {
	if pl.Load == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Plugin: pl.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return pl.Load(ctx, event.NewContext(nil), inst)
}

func (p *Pipeline) has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.plugin.Name == name {
			return true
		}
	}
	return false
}

// Deregister unloads and removes the named plugins. Unknown names are
// ignored. Unload failures are returned joined, but the plugin is removed
// regardless.
func (p *Pipeline) Deregister(ctx context.Context, inst Instance, names ...string) error {
	var errs []error
	for _, name := range names {
		pl := p.remove(name)
		if pl == nil || pl.Unload == nil {
			continue
		}
		if err := p.unload(ctx, inst, pl); err != nil {
			p.logger.Warn("plugin failed to unload",
				slog.String("plugin", name),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("unload plugin %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) remove(name string) *Plugin {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.plugin.Name == name {
			p.entries = append(p.entries[:i:i], p.entries[i+1:]...)
			delete(p.destMW, name)
			return e.plugin
		}
	}
	return nil
}

func (p *Pipeline) unload(ctx context.Context, inst Instance, pl *Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Plugin: pl.Name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return pl.Unload(ctx, event.NewContext(nil), inst)
}

// Plugins returns the registered plugins in registration order.
func (p *Pipeline) Plugins() []*Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Plugin, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.plugin
	}
	return out
}

// Use appends source middleware. Middleware runs in the order added, before
// any plugin.
func (p *Pipeline) Use(mw ...SourceMiddleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = append(p.source, mw...)
}

// UseDestinationMiddleware appends middleware applied only to the event copy
// delivered to the named destination.
func (p *Pipeline) UseDestinationMiddleware(name string, mw ...DestinationMiddleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destMW[name] = append(p.destMW[name], mw...)
}

// snapshot is the registration state a single Run works from.
type snapshot struct {
	byType map[Type][]*entry
	source []SourceMiddleware
	destMW map[string][]DestinationMiddleware
}

func (p *Pipeline) snapshot() snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := snapshot{
		byType: make(map[Type][]*entry, len(order)),
		source: append([]SourceMiddleware(nil), p.source...),
		destMW: make(map[string][]DestinationMiddleware, len(p.destMW)),
	}
	for _, e := range p.entries {
		s.byType[e.plugin.Type] = append(s.byType[e.plugin.Type], e)
	}
	for name, mws := range p.destMW {
		s.destMW[name] = append([]DestinationMiddleware(nil), mws...)
	}
	return s
}

// Run pushes c through source middleware and every plugin stage.
//
// A before or enrichment failure halts the run and returns the partial
// Context with a *StageError. Destinations run concurrently and their
// failures are only logged. After stages are logged and never halt. A
// cancelled Context or done ctx returns a *CancelledError at the next stage
// boundary.
func (p *Pipeline) Run(ctx context.Context, c *event.Context) (_ *event.Context, err error) {
	if c == nil || c.Event() == nil {
		return c, ErrNoEvent
	}

	e := c.Event()
	ctx, span := p.spans.StartEventSpan(ctx, string(e.Type), e.MessageID)
	defer func() { p.spans.EndSpanWithError(span, err) }()

	snap := p.snapshot()

	if err := checkCancel(ctx, c, TypeBefore); err != nil {
		return c, err
	}
	if err := p.runSource(ctx, c, snap.source); err != nil {
		return c, err
	}

	for _, t := range []Type{TypeBefore, TypeEnrichment} {
		for _, ent := range snap.byType[t] {
			if err := checkCancel(ctx, c, t); err != nil {
				return c, err
			}
			next, err := p.runStage(ctx, ent.plugin, c)
			if err != nil {
				p.stageFailed(c, ent.plugin.Name, err)
				return c, err
			}
			c = next
		}
	}

	if err := checkCancel(ctx, c, TypeDestination); err != nil {
		return c, err
	}
	p.runDestinations(ctx, c, snap.byType[TypeDestination], snap.destMW)

	for _, ent := range snap.byType[TypeAfter] {
		if err := checkCancel(ctx, c, TypeAfter); err != nil {
			return c, err
		}
		next, err := p.runStage(ctx, ent.plugin, c)
		if err != nil {
			p.stageFailed(c, ent.plugin.Name, err)
			continue
		}
		c = next
	}

	return c, nil
}

func checkCancel(ctx context.Context, c *event.Context, stage Type) error {
	if c.Cancelled() {
		return &CancelledError{Stage: stage, Reason: c.CancelReason(), Cause: ErrCancelled}
	}
	if err := ctx.Err(); err != nil {
		return &CancelledError{Stage: stage, Cause: err}
	}
	return nil
}

func (p *Pipeline) stageFailed(c *event.Context, plugin string, err error) {
	c.Log(event.LevelError, "plugin failed", map[string]any{
		"plugin": plugin,
		"error":  err.Error(),
	})
	observability.LogStageError(p.logger, plugin, c.ID(), err)
}

func (p *Pipeline) runSource(ctx context.Context, c *event.Context, mws []SourceMiddleware) (err error) {
	if len(mws) == 0 {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &StageError{
				Plugin: "source middleware",
				Type:   TypeBefore,
				Err:    &PanicError{Plugin: "source middleware", Value: r, Stack: string(debug.Stack())},
			}
			p.stageFailed(c, "source middleware", err)
		}
	}()

	e := c.Event().Clone()
	for _, mw := range mws {
		if e = mw(ctx, e); e == nil {
			c.Log(event.LevelWarn, "middleware cancelled event", nil)
			c.Cancel(ErrMiddlewareCancelled.Error())
			return &CancelledError{
				Stage:  TypeBefore,
				Reason: ErrMiddlewareCancelled.Error(),
				Cause:  ErrMiddlewareCancelled,
			}
		}
	}
	c.SetEvent(e)
	return nil
}

// runStage invokes the plugin's slot for the Context's event type, turning a
// panic into a *StageError.
func (p *Pipeline) runStage(ctx context.Context, pl *Plugin, c *event.Context) (out *event.Context, err error) {
	fn := pl.Stage(c.Event().Type)
	if fn == nil {
		return c, nil
	}

	ctx, span := p.spans.StartStageSpan(ctx, pl.Name, string(pl.Type))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = c
			err = &StageError{
				Plugin: pl.Name,
				Type:   pl.Type,
				Err:    &PanicError{Plugin: pl.Name, Value: r, Stack: string(debug.Stack())},
			}
		}
		p.metrics.RecordStage(ctx, pl.Name, time.Since(start), err)
		p.spans.EndSpanWithError(span, err)
	}()

	next, err := fn(ctx, c)
	if err != nil {
		return c, &StageError{Plugin: pl.Name, Type: pl.Type, Err: err}
	}
	if next == nil {
		next = c
	}
	return next, nil
}

func (p *Pipeline) runDestinations(ctx context.Context, c *event.Context, dests []*entry, destMW map[string][]DestinationMiddleware) {
	e := c.Event()

	var wg sync.WaitGroup
	for _, ent := range dests {
		pl := ent.plugin
		if pl.Stage(e.Type) == nil {
			continue
		}
		if !e.Enabled(pl.Name) {
			c.Log(event.LevelDebug, "destination disabled by integrations", map[string]any{"plugin": pl.Name})
			continue
		}
		if !ent.loaded() {
			c.Log(event.LevelWarn, "destination not loaded", map[string]any{"plugin": pl.Name})
			continue
		}

		// Destinations run concurrently; each gets a view over its own copy
		// of the event.
		de := e.Clone()
		if mws := destMW[pl.Name]; len(mws) > 0 {
			var err error
			de, err = applyDestinationMiddleware(ctx, pl.Name, de, mws)
			if err != nil {
				p.stageFailed(c, pl.Name, err)
				continue
			}
			if de == nil {
				c.Log(event.LevelDebug, "destination middleware dropped event", map[string]any{"plugin": pl.Name})
				continue
			}
		}
		dctx := context.WithValue(ctx, eventKey{}, de)
		view := c.View(de)

		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runDestination(dctx, pl, view)
		}()
	}
	wg.Wait()
}

func applyDestinationMiddleware(ctx context.Context, name string, e *event.Event, mws []DestinationMiddleware) (out *event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &StageError{
				Plugin: name,
				Type:   TypeDestination,
				Err:    &PanicError{Plugin: name + " middleware", Value: r, Stack: string(debug.Stack())},
			}
		}
	}()

	out = e
	for _, mw := range mws {
		if out = mw(ctx, name, out); out == nil {
			return nil, nil
		}
	}
	return out, nil
}

// runDestination runs one destination stage bounded by the destination
// timeout. A stage that outlives its timeout keeps running; its result is
// ignored.
func (p *Pipeline) runDestination(ctx context.Context, pl *Plugin, c *event.Context) {
	if p.destinationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.destinationTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.runStage(ctx, pl, c)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			p.stageFailed(c, pl.Name, err)
		}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = &aerrors.TimeoutError{Operation: "destination " + pl.Name, Duration: p.destinationTimeout}
		}
		p.stageFailed(c, pl.Name, &StageError{Plugin: pl.Name, Type: pl.Type, Err: err})
	}
}
