// Command callbridge bridges Teler phone calls to the OpenAI Realtime API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can change it.
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetricsHandler(telemetry.MetricsHandler()),
	}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = telemetry.Shutdown(context.Background())
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…", "active_calls", application.ActiveCalls())

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	if code == 0 {
		slog.Info("goodbye")
	}
	return code
}
