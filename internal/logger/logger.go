// Package logger provides structured logging configuration using slog.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup initializes and returns a configured slog.Logger with text handler.
func Setup(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return slog.New(handler)
}

// Reporter receives per-item and per-request errors from the engine components.
type Reporter interface {
	Report(ctx context.Context, component string, err error, attrs ...slog.Attr)
}

// SlogReporter writes reports as structured error records.
type SlogReporter struct {
	logger *slog.Logger
}

// NewSlogReporter creates a Reporter backed by logger, or slog.Default when nil.
func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogReporter{logger: logger}
}

// Report logs err at error level with the component and extra attributes.
func (r *SlogReporter) Report(ctx context.Context, component string, err error, attrs ...slog.Attr) {
	if err == nil {
		return
	}

	all := make([]slog.Attr, 0, len(attrs)+2)
	all = append(all, slog.String("component", component), slog.String("error", err.Error()))
	all = append(all, attrs...)
	r.logger.LogAttrs(ctx, slog.LevelError, "component error", all...)
}

// NopReporter discards reports.
type NopReporter struct{}

// Report does nothing.
func (NopReporter) Report(context.Context, string, error, ...slog.Attr) {}
