// Package logging builds the structured logger shared by the engine, its
// storage backends and the event bus.
package logging

import (
	"io"
	"log/slog"

	"github.com/songzhibin97/approval-engine/config"
)

// New creates a logger for cfg writing to w. It does not touch the global
// logger.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("component", "approval-engine")
}

// Level maps a level name to a slog level. Unknown names mean info.
func Level(name string) slog.Level {
	switch name {
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
