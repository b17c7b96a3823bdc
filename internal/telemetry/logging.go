// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/fleetd/internal/shared"
)

// sensitiveKeys marks attribute keys whose values never reach the log.
var sensitiveKeys = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer",
}

// NewLogger builds the process-wide slog logger. Output is JSON lines,
// appended to <homeDir>/logs/system.jsonl and mirrored to stdout unless quiet.
// Attribute values pass through secret redaction before they are written.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: redactAttr,
	})
	logger := slog.New(handler).With("component", "fleetd", "trace_id", "-")
	return logger, file, nil
}

// redactAttr renames the time key and scrubs secrets from keys and values.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if keyIsSensitive(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		v := a.Value.String()
		lower := strings.ToLower(v)
		if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
			return slog.String(a.Key, "[REDACTED]")
		}
		if scrubbed := shared.Redact(v); scrubbed != v {
			return slog.String(a.Key, scrubbed)
		}
	}
	return a
}

func keyIsSensitive(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, marker := range sensitiveKeys {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
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
