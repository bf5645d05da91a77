package logging

import (
	"log/slog"
	"os"
)

// Logg — глобальный логгер процесса, инициализируется в main
var Logg *slog.Logger

func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = NewColorHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
