package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Record is one accepted event.
type Record struct {
	MessageID   string
	WriteKey    string
	Type        string
	UserID      string
	AnonymousID string
	Timestamp   time.Time
	Payload     json.RawMessage
}

// Sink stores accepted events. Write must be idempotent on MessageID and
// reports how many records were new.
type Sink interface {
	Write(ctx context.Context, records []Record) (inserted int, err error)
	Close()
}

// LogSink logs each record and remembers message ids for deduplication.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, seen: make(map[string]struct{})}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, records []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, r := range records {
		if _, dup := s.seen[r.MessageID]; dup {
			continue
		}
		s.seen[r.MessageID] = struct{}{}
		inserted++
		s.logger.Info("event received",
			slog.String("message_id", r.MessageID),
			slog.String("type", r.Type),
			slog.String("user_id", r.UserID),
			slog.String("anonymous_id", r.AnonymousID),
			slog.Time("timestamp", r.Timestamp),
		)
	}
	return inserted, nil
}

// Len returns the number of distinct events seen.
func (s *LogSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close implements Sink.
func (s *LogSink) Close() {}
