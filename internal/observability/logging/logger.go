package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds the process logger. Format is "json" (default) or "text".
// Debug level also records the source location.
func New(w io.Writer, service, level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", service))
}

// parseLevel accepts slog level names ("debug", "WARN", "info+2") and the
// "warning" alias. Anything else is info.
func parseLevel(level string) slog.Level {
	raw := strings.TrimSpace(level)
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
