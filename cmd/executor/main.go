// Command executor runs the webhook-driven order execution service:
// it loads the portfolio configuration, builds one exchange adapter
// per configured account, and serves the HTTP surface until
// interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradingview-executor/internal/api"
	"tradingview-executor/internal/config"
	"tradingview-executor/internal/notify"
	"tradingview-executor/internal/registry"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)

	// workerCtx bounds execution workers and depth feeds; it is cut
	// only when the process shuts down.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var notifier notify.Notifier
	if token := os.Getenv("LINE_NOTIFY_TOKEN"); token != "" {
		notifier = notify.NewLine(token, logger)
	} else {
		logger.Warn("LINE_NOTIFY_TOKEN not set, notifications disabled")
		notifier = notify.Nop{}
	}

	reg, err := registry.New(workerCtx, cfg, notifier, logger)
	if err != nil {
		logger.Error("registry init failed", "error", err)
		os.Exit(1)
	}
	reg.StartFeeds(workerCtx)

	secret := os.Getenv("ORDER_EXECUTION_SECRET")
	if secret == "" {
		logger.Warn("ORDER_EXECUTION_SECRET not set, webhook is unauthenticated")
	}
	handlers := api.NewHandlers(workerCtx, reg, notifier, secret, logger)
	server := api.NewServer(cfg.Server.Port, handlers, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	stopWorkers()
}

// newLogger builds the process logger from config: json or text
// handler at the configured level.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
