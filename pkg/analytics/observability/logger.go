// Package observability provides structured logging, metrics, and tracing
// for the analytics delivery pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger builds a slog logger for programs. level is one of debug, info,
// warn, error (default info); format is "json" or "text" (default text).
// A nil writer means stderr.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, ctx.ID(), e.MessageID, ctx.Attempts())
//	enriched.Info("delivering") // includes context_id, message_id, attempt
func EnrichLogger(logger *slog.Logger, contextID, messageID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("context_id", contextID),
		slog.String("message_id", messageID),
		slog.Int("attempt", attempt),
	)
}

// LogStageError logs a plugin stage failure.
func LogStageError(logger *slog.Logger, plugin, contextID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("plugin stage failed",
		slog.String("plugin", plugin),
		slog.String("context_id", contextID),
		slog.String("error", err.Error()),
	)
}

// LogPluginLoadError logs a plugin that failed to load.
func LogPluginLoadError(logger *slog.Logger, plugin string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("plugin failed to load",
		slog.String("plugin", plugin),
		slog.String("error", err.Error()),
	)
}

// LogFlush logs a delivered batch.
func LogFlush(logger *slog.Logger, endpoint string, events, sizeBytes int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("batch flushed",
		slog.String("endpoint", endpoint),
		slog.Int("events", events),
		slog.Int("size_bytes", sizeBytes),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogFlushError logs a batch that could not be delivered.
func LogFlushError(logger *slog.Logger, endpoint string, events int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("batch flush failed",
		slog.String("endpoint", endpoint),
		slog.Int("events", events),
		slog.String("error", err.Error()),
	)
}

// LogDeliveryDropped logs an event given up on.
func LogDeliveryDropped(logger *slog.Logger, contextID, messageID string, attempts int, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("context_id", contextID),
		slog.String("message_id", messageID),
		slog.Int("attempts", attempts),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Error("event dropped", attrs...)
}

// LogQueueHydrated logs items resumed from storage.
func LogQueueHydrated(logger *slog.Logger, queue string, items int) {
	if logger == nil {
		return
	}
	logger.Info("queue hydrated from storage",
		slog.String("queue", queue),
		slog.Int("items", items),
	)
}

// LogQueuePersisted logs items written to storage at termination.
func LogQueuePersisted(logger *slog.Logger, queue string, items int) {
	if logger == nil {
		return
	}
	logger.Info("queue persisted",
		slog.String("queue", queue),
		slog.Int("items", items),
	)
}

// LogStorageError logs a failed storage operation (non-fatal).
func LogStorageError(logger *slog.Logger, queue, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("queue storage failed",
		slog.String("queue", queue),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogQueueItemSkipped logs a queue item left out of persistence or
// restoration.
func LogQueueItemSkipped(logger *slog.Logger, queue, id, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("queue item skipped",
		slog.String("queue", queue),
		slog.String("item_id", id),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
