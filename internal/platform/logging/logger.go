package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/MinnDevelopment/strumbot/internal/platform/correlation"
)

// Init configures the process-wide logger. Level is one of
// "debug", "info", "warn", "error"; format is "json" or "text".
// Unknown values fall back to info/text.
func Init(level, format string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(correlation.NewHandler(handler)))
}
