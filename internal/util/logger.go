package util

import (
	"log/slog"
	"os"
	"strings"
)

type Logger = *slog.Logger

func NewLogger() *slog.Logger {
	return NewLeveledLogger("info")
}

// NewLeveledLogger returns a text logger on stdout. Unknown level names
// fall back to info.
func NewLeveledLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
