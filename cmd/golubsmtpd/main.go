// Command golubsmtpd is the CLI entry point (spec.md §6 "CLI"): it loads
// the configuration named on argv[1], wires up logging, metrics, and
// the master/worker pool, then waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elsid-go/smtpd/internal/config"
	"github.com/elsid-go/smtpd/internal/logsink"
	"github.com/elsid-go/smtpd/internal/master"
	"github.com/elsid-go/smtpd/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return 1
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.Println("failed to load configuration:", err)
		return 2
	}

	sink, err := logsink.Open(cfg.Logging.Path)
	if err != nil {
		log.Println("failed to open log sink:", err)
		return 2
	}
	defer sink.Close()

	logger := newLogger(cfg, sink)
	slog.SetDefault(logger)

	logger.Info("starting golubsmtpd", "version", "dev", "workers", cfg.Workers.Count)

	if cfg.Metrics.Enabled {
		if err := metrics.Serve(cfg.Metrics.Address); err != nil {
			logger.Error("failed to start metrics endpoint", "error", err)
			return 2
		}
		logger.Info("metrics endpoint started", "address", cfg.Metrics.Address)
	}

	m := master.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	// spec.md §6 "Signals": SIGTERM/SIGINT trigger graceful shutdown;
	// SIGHUP and SIGPIPE are ignored.
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := m.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		return 3
	}

	logger.Info("golubsmtpd stopped")
	return 0
}

// newLogger builds the ambient slog logger: a text or JSON handler over
// stdout at the configured level, fanned out to the logsink.Sink so
// every record also lands a timestamped line in the operator-facing
// log file (spec.md §4.I).
func newLogger(cfg *config.Config, sink *logsink.Sink) *slog.Logger {
	level := parseLevel(cfg.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if cfg.Logging.Format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(fanoutHandler{stdoutHandler, logsink.NewHandler(sink)})
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
