package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity of a Context log entry.
type LogLevel string

// Log levels.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one record in a Context's log stream.
type LogEntry struct {
	Level   LogLevel       `json:"level"`
	Message string         `json:"message"`
	Extras  map[string]any `json:"extras,omitempty"`
	Time    time.Time      `json:"time"`
}

// MetricType distinguishes counters from gauges.
type MetricType string

// Metric types.
const (
	MetricCounter MetricType = "counter"
	MetricGauge   MetricType = "gauge"
)

// Metric is one stat emitted by a pipeline stage.
type Metric struct {
	Metric string     `json:"metric"`
	Value  float64    `json:"value"`
	Type   MetricType `json:"type"`
	Tags   []string   `json:"tags,omitempty"`
	Time   time.Time  `json:"time"`
}

// Context carries exactly one Event through the pipeline and its delivery
// attempts. Its id is stable across retries. Once sealed, every mutator is a
// no-op. Safe for concurrent use.
type Context struct {
	*state
	event *Event
}

// state is shared by a Context and its views.
type state struct {
	mu           sync.RWMutex
	id           string
	attempts     int
	logs         []LogEntry
	stats        []Metric
	cancelled    bool
	cancelReason string
	sealed       bool
	failed       error
}

// NewContext wraps e in a new Context with a fresh id.
func NewContext(e *Event) *Context {
	return &Context{
		state: &state{id: uuid.NewString()},
		event: e,
	}
}

// View returns a Context that shares c's id, attempts, logs, stats and
// lifecycle but wraps e. Concurrent destinations each get a view over their
// own copy of the event.
func (c *Context) View(e *Event) *Context {
	return &Context{state: c.state, event: e}
}

// ID returns the Context id.
func (c *Context) ID() string {
	return c.id
}

// Event returns the wrapped event. Stages that need a different event should
// use SetEvent rather than mutating a shared one.
func (c *Context) Event() *Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.event
}

// SetEvent replaces the wrapped event.
func (c *Context) SetEvent(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || e == nil {
		return
	}
	c.event = e
}

// Attempts returns how many times delivery has been queued.
func (c *Context) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// SetAttempts records the attempt count. The retry queue stamps it on push.
func (c *Context) SetAttempts(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.attempts = n
}

// Log appends an entry to the log stream.
func (c *Context) Log(level LogLevel, msg string, extras map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.logs = append(c.logs, LogEntry{
		Level:   level,
		Message: msg,
		Extras:  extras,
		Time:    time.Now().UTC(),
	})
}

// Logs returns a copy of the log stream in append order.
func (c *Context) Logs() []LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]LogEntry, len(c.logs))
	copy(out, c.logs)
	return out
}

// Increment adds a counter stat.
func (c *Context) Increment(metric string, by float64, tags ...string) {
	c.stat(metric, by, MetricCounter, tags)
}

// Gauge adds a gauge stat.
func (c *Context) Gauge(metric string, value float64, tags ...string) {
	c.stat(metric, value, MetricGauge, tags)
}

func (c *Context) stat(metric string, value float64, t MetricType, tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.stats = append(c.stats, Metric{
		Metric: metric,
		Value:  value,
		Type:   t,
		Tags:   tags,
		Time:   time.Now().UTC(),
	})
}

// Stats returns a copy of the emitted stats.
func (c *Context) Stats() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.stats))
	copy(out, c.stats)
	return out
}

// Cancel marks the Context cancelled. Remaining pipeline stages are skipped.
func (c *Context) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed || c.cancelled {
		return
	}
	c.cancelled = true
	c.cancelReason = reason
}

// Cancelled reports whether Cancel was called.
func (c *Context) Cancelled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelled
}

// CancelReason returns the reason given to Cancel.
func (c *Context) CancelReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancelReason
}

// SetFailedDelivery records why delivery was given up.
func (c *Context) SetFailedDelivery(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.failed = err
}

// FailedDelivery returns the error recorded by SetFailedDelivery, or nil.
func (c *Context) FailedDelivery() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failed
}

// Seal freezes the Context. Called once delivery succeeded or was
// permanently dropped.
func (c *Context) Seal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
}

// Sealed reports whether the Context is frozen.
func (c *Context) Sealed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sealed
}

// Flush writes the log stream to logger, one record per entry.
func (c *Context) Flush(logger *slog.Logger) {
	if logger == nil {
		return
	}

	c.mu.RLock()
	entries := make([]LogEntry, len(c.logs))
	copy(entries, c.logs)
	var messageID string
	var eventType Type
	if c.event != nil {
		messageID = c.event.MessageID
		eventType = c.event.Type
	}
	c.mu.RUnlock()

	for _, entry := range entries {
		attrs := []slog.Attr{
			slog.String("context_id", c.id),
			slog.String("message_id", messageID),
			slog.String("type", string(eventType)),
		}
		for k, v := range entry.Extras {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(context.Background(), entry.Level.slogLevel(), entry.Message, attrs...)
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextJSON is the persisted form of a Context.
type contextJSON struct {
	ID             string     `json:"id"`
	Event          *Event     `json:"event"`
	Attempts       int        `json:"attempts"`
	Logs           []LogEntry `json:"logs,omitempty"`
	Stats          []Metric   `json:"stats,omitempty"`
	Cancelled      bool       `json:"cancelled,omitempty"`
	CancelReason   string     `json:"cancelReason,omitempty"`
	FailedDelivery string     `json:"failedDelivery,omitempty"`
}

// MarshalJSON implements json.Marshaler so undelivered Contexts can be
// persisted and resumed. When the logs or stats hold values JSON cannot
// encode, such as NaN or a func, they are left out so the event survives.
func (c *Context) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := contextJSON{
		ID:           c.id,
		Event:        c.event,
		Attempts:     c.attempts,
		Logs:         c.logs,
		Stats:        c.stats,
		Cancelled:    c.cancelled,
		CancelReason: c.cancelReason,
	}
	if c.failed != nil {
		out.FailedDelivery = c.failed.Error()
	}
	data, err := json.Marshal(out)
	if err == nil || (len(out.Logs) == 0 && len(out.Stats) == 0) {
		return data, err
	}
	out.Logs, out.Stats = nil, nil
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Context) UnmarshalJSON(data []byte) error {
	var in contextJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.ID == "" {
		return errors.New("context: missing id")
	}

	if c.state == nil {
		c.state = &state{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.id = in.ID
	c.event = in.Event
	c.attempts = in.Attempts
	c.logs = in.Logs
	c.stats = in.Stats
	c.cancelled = in.Cancelled
	c.cancelReason = in.CancelReason
	c.failed = nil
	if in.FailedDelivery != "" {
		c.failed = errors.New(in.FailedDelivery)
	}
	c.sealed = false
	return nil
}
