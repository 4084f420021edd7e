// Package main provides the periodic trigger that drains each channel and ticks the scheduler.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/jnst/outbound-engine/internal/app"
	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/model"
)

const exitCode = 1

// runOnce performs one trigger: a batch per channel, then a scheduler tick.
func runOnce(ctx context.Context, a *app.App) {
	for _, channel := range model.Channels {
		if ctx.Err() != nil {
			return
		}

		res, err := a.Dispatcher.RunBatch(ctx, channel, a.Config.BatchSize)
		if err != nil {
			slog.Error("batch failed", slog.String("channel", string(channel)), slog.String("error", err.Error()))
			continue
		}

		if res.Skipped != "" {
			slog.Info("batch skipped", slog.String("channel", string(channel)), slog.String("reason", res.Skipped))
		}
	}

	results, err := a.Scheduler.Tick(ctx, time.Now())
	if err != nil {
		slog.Error("scheduler tick failed", slog.String("error", err.Error()))
		return
	}

	for _, r := range results {
		slog.Info("schedule result",
			slog.String("schedule", r.Name),
			slog.Int("enqueued", r.Enqueued),
			slog.Bool("skipped", r.Skipped),
			slog.String("error", r.Error),
		)
	}
}

func runWorkerLoop(ctx context.Context, a *app.App, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	runOnce(ctx, a)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped")
			return
		case <-ticker.C:
			runOnce(ctx, a)
		}
	}
}

func main() {
	once := flag.Bool("once", false, "run a single trigger and exit")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.String("error", err.Error()))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build services", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer a.Close()

	if *once {
		runOnce(ctx, a)
		return
	}

	slog.Info("starting worker",
		slog.Duration("poll_interval", cfg.WorkerPollInterval),
		slog.Int("batch_size", cfg.BatchSize),
	)

	runWorkerLoop(ctx, a, cfg.WorkerPollInterval)
}
