// Command collector runs a development collection endpoint for analytics
// batches. Events go to Postgres when COLLECTOR_DATABASE_URL is set and to
// the log otherwise.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/randalmurphal/analytics/internal/collector"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
)

func main() {
	cfg, err := collector.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sink collector.Sink
	if cfg.DatabaseURL != "" {
		pg, err := collector.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to apply schema", "error", err)
			pg.Close()
			os.Exit(1)
		}
		sink = pg
	} else {
		logger.Info("no database configured, logging events")
		sink = collector.NewLogSink(logger)
	}
	defer sink.Close()

	server := collector.NewServer(cfg, sink, logger).HTTPServer()

	go func() {
		logger.Info("collector listening", "addr", server.Addr, "fail_rate", cfg.FailRate)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("collector server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
