// Command analytics-send replays newline-delimited JSON tracking calls
// through the analytics client.
//
// Usage:
//
//	analytics-send [-config analytics.yaml] [-env .env] [-integrations settings.json] [file]
//
// Each line is one call, for example
//
//	{"type":"track","event":"Signed Up","properties":{"plan":"pro"},"options":{"userId":"u-1"}}
//
// Input is read from file, or stdin when file is omitted or "-". On exit
// (end of input or SIGINT/SIGTERM) buffered events are flushed and anything
// undelivered is persisted to the configured storage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/randalmurphal/analytics/internal/sender"
	"github.com/randalmurphal/analytics/pkg/analytics"
	"github.com/randalmurphal/analytics/pkg/analytics/config"
	"github.com/randalmurphal/analytics/pkg/analytics/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "analytics-send:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML or JSON settings file")
	envFile := flag.String("env", ".env", "dotenv file applied before ANALYTICS_* variables")
	integrationsFile := flag.String("integrations", "", "destination settings export (YAML or JSON) with an integrations object")
	closeTimeout := flag.Duration("close-timeout", 30*time.Second, "time allowed for the final flush")
	flag.Parse()

	settings, err := config.Load(*configPath, config.LoadOptions{
		EnvFiles:         []string{*envFile},
		IntegrationsFile: *integrationsFile,
	})
	if err != nil {
		return err
	}
	logger := observability.NewLogger(settings.LogLevel, settings.LogFormat, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := analytics.New(ctx, settings, analytics.WithLogger(logger))
	if err != nil {
		return err
	}

	stopSignals := client.Termination().NotifyOnOS(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// A signal fires termination in the background; stop reading input.
	go func() {
		select {
		case <-client.Termination().Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	input, closeInput, err := openInput(flag.Arg(0))
	if err != nil {
		return err
	}
	defer closeInput()

	sum, replayErr := sender.Replay(ctx, client, input, logger)
	logger.Info("replay finished",
		slog.Int("sent", sum.Sent),
		slog.Int("rejected", sum.Rejected),
		slog.Int("skipped", sum.Skipped))

	closeCtx, cancelClose := context.WithTimeout(context.Background(), *closeTimeout)
	defer cancelClose()
	if err := client.Close(closeCtx); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	failed := 0
	for _, c := range sum.Contexts {
		if c.FailedDelivery() != nil {
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("some events were not delivered", slog.Int("failed", failed))
	}

	if replayErr != nil && !errors.Is(replayErr, context.Canceled) {
		return replayErr
	}
	return nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
