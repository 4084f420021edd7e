// Package main provides the telemetry consumer that turns delivery events into per-item counters.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/jnst/outbound-engine/internal/app"
	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/telemetry"
)

const exitCode = 1

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", slog.String("error", err.Error()))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.SetDefault(logger.Setup(cfg.LogLevel))

	redisClient, err := app.SetupRedis(cfg)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters := telemetry.NewRedisCounters(redisClient)
	consumer := telemetry.NewConsumer(redisClient, cfg.TelemetryStream, cfg.TelemetryGroup, cfg.ConsumerName,
		telemetry.CountingHandler(counters), telemetry.WithReclaimAfter(cfg.ReclaimAfter))

	consumer.CreateGroup(ctx)

	slog.Info("starting telemetry consumer",
		slog.String("stream", cfg.TelemetryStream),
		slog.String("group", cfg.TelemetryGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	consumer.Run(ctx)
}
