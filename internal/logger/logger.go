// Package logger provides structured logging using log/slog. It sets up
// a JSON handler with service-level context so slog.Info() etc. carry
// the service name everywhere.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"spikewatch/internal/model"
)

// Init creates a structured logger for the given service and installs
// it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Venue returns the standard attributes identifying an (exchange,
// market) pair in log records.
func Venue(ex model.Exchange, mkt model.Market) []any {
	return []any{
		slog.String("exchange", string(ex)),
		slog.String("market", string(mkt)),
	}
}
