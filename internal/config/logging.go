package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds the process-wide logger configuration for a component.
//
// LOOM_LOG_FORMAT selects the handler: "json" (default, structured output
// for log shippers) or "console" (tint, human-readable for local pipeline
// runs). LOG_LEVEL selects the level.
//
// Every logger carries a component attribute so interleaved engine, store,
// and server lines remain attributable.
func NewLogger(component string) *slog.Logger {
	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)

	var handler slog.Handler

	switch strings.ToLower(GetEnvStr("LOOM_LOG_FORMAT", "json")) {
	case "console", "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler).With(slog.String("component", component))
}
