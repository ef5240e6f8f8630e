// Command runner-controller is the autoscaling daemon: it watches a CI
// repository's queued jobs and reconciles a pool of ephemeral cloud
// servers registered as self-hosted runners against that queue.
//
// Grounded on the teacher's cmd/zeno/main.go: same
// load-config/setup-logger/build-registry/construct/signal-wait shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runnerscale/controller/internal/config"
	"github.com/runnerscale/controller/internal/controller"
	"github.com/runnerscale/controller/internal/metrics"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting runner-controller",
		"version", version,
		"repository", cfg.CI.Repository,
		"dry_run", cfg.DryRun,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	registry := prometheus.NewRegistry()
	met := metrics.New(registry)
	met.ControllerInfo.WithLabelValues(version, modeString(cfg.DryRun)).Set(1)

	ctrl, err := controller.New(cfg, logger, met, registry)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.Run(ctx)
	}()

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}

func modeString(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "production"
}
