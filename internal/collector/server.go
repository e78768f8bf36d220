// Package collector is a development collection endpoint for the batch wire
// format: it validates incoming batches, stores them through a Sink and
// optionally fails a share of requests so client retries can be exercised.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randalmurphal/analytics/pkg/analytics/event"
)

// batchRequest is the wire envelope sent by the client's dispatcher.
type batchRequest struct {
	Batch  []json.RawMessage `json:"batch"`
	SentAt time.Time         `json:"sentAt"`
}

// batchResponse reports how a batch was handled.
type batchResponse struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

type serverMetrics struct {
	batches *prometheus.CounterVec
	events  *prometheus.CounterVec
	latency prometheus.Histogram
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	f := promauto.With(reg)
	return &serverMetrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_batches_total",
			Help: "Batches received, by response status.",
		}, []string{"status"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_events_total",
			Help: "Events received, by outcome.",
		}, []string{"outcome"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collector_sink_write_seconds",
			Help:    "Time spent writing a batch to the sink.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Server is the collector's HTTP surface.
type Server struct {
	cfg      Config
	sink     Sink
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *serverMetrics
	roll     func() float64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRoll replaces the random source used for fault injection.
func WithRoll(fn func() float64) ServerOption {
	return func(s *Server) {
		s.roll = fn
	}
}

// NewServer creates a Server writing to sink.
func NewServer(cfg Config, sink Sink, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		registry: reg,
		metrics:  newServerMetrics(reg),
		roll:     rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
//
// Public: GET /health, GET /metrics
// Write-key protected when WriteKeys is set: POST /v1/batch
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.Use(writeKeyAuth(s.cfg.WriteKeys))
	v1.POST("/batch", s.handleBatch)

	return r
}

// HTTPServer wraps Router in an http.Server with the configured timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
}

const writeKeyCtxKey = "write_key"

// writeKeyAuth checks the basic-auth username against keys. An empty keys
// list accepts every request.
func writeKeyAuth(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, _, _ := c.Request.BasicAuth()
		key = strings.TrimSpace(key)
		if len(keys) > 0 && !slices.Contains(keys, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid write key"})
			return
		}
		c.Set(writeKeyCtxKey, key)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) handleBatch(c *gin.Context) {
	status, body := s.processBatch(c)
	s.metrics.batches.WithLabelValues(fmt.Sprint(status)).Inc()
	c.JSON(status, body)
}

func (s *Server) processBatch(c *gin.Context) (int, any) {
	if s.cfg.FailRate > 0 && s.roll() < s.cfg.FailRate {
		s.metrics.events.WithLabelValues("injected_failure").Inc()
		return http.StatusServiceUnavailable, gin.H{"error": "injected failure"}
	}

	if s.cfg.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"}
		}
		return http.StatusBadRequest, gin.H{"error": "invalid JSON payload"}
	}
	if len(req.Batch) == 0 {
		return http.StatusBadRequest, gin.H{"error": "batch required"}
	}

	writeKey := c.GetString(writeKeyCtxKey)
	records := make([]Record, 0, len(req.Batch))
	for i, raw := range req.Batch {
		rec, err := decodeRecord(raw)
		if err != nil {
			s.metrics.events.WithLabelValues("rejected").Add(float64(len(req.Batch)))
			return http.StatusBadRequest, gin.H{"error": fmt.Sprintf("batch[%d]: %v", i, err)}
		}
		rec.WriteKey = writeKey
		records = append(records, rec)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	inserted, err := s.sink.Write(ctx, records)
	s.metrics.latency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.logger.Error("sink write failed",
			slog.Int("events", len(records)),
			slog.String("error", err.Error()))
		return http.StatusInternalServerError, gin.H{"error": "storage failed"}
	}

	dups := len(records) - inserted
	s.metrics.events.WithLabelValues("inserted").Add(float64(inserted))
	s.metrics.events.WithLabelValues("duplicate").Add(float64(dups))
	return http.StatusOK, batchResponse{Received: len(records), Inserted: inserted, Duplicates: dups}
}

// decodeRecord validates one wire event: a known type and a message id.
func decodeRecord(raw json.RawMessage) (Record, error) {
	var e event.Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Record{}, fmt.Errorf("invalid event: %w", err)
	}
	if !e.Type.Valid() {
		return Record{}, fmt.Errorf("unknown type %q", e.Type)
	}
	if e.MessageID == "" {
		return Record{}, errors.New("messageId required")
	}
	if e.UserID == "" && e.AnonymousID == "" {
		return Record{}, errors.New("userId or anonymousId required")
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return Record{
		MessageID:   e.MessageID,
		Type:        string(e.Type),
		UserID:      e.UserID,
		AnonymousID: e.AnonymousID,
		Timestamp:   ts.UTC(),
		Payload:     raw,
	}, nil
}
