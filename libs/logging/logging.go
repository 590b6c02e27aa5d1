// Package logging builds the slog loggers shared by all gridex binaries.
// Output is one JSON object per line with the service name and environment
// stamped on every record, so log pipelines can route without parsing the
// message text.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger returns a JSON logger writing to stdout at the given level.
// Unknown level strings fall back to info rather than failing startup.
func NewLogger(level string, serviceName string, env string) *slog.Logger {
	lvl, ok := levelNames[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler).With(
		slog.String("service", serviceName),
		slog.String("env", env),
	)
}
