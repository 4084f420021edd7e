// Package main applies the database schema.
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/logger"
	"github.com/jnst/outbound-engine/internal/repository"
)

const exitCode = 1

func main() {
	down := flag.Bool("down", false, "revert every applied migration")
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

	migrateFn, action := repository.Migrate, "up"
	if *down {
		migrateFn, action = repository.MigrateDown, "down"
	}

	if err := migrateFn(cfg.DatabaseURL); err != nil {
		slog.Error("migration failed", slog.String("direction", action), slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	slog.Info("migration finished", slog.String("direction", action))
}
