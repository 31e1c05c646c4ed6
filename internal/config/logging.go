package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries raw cloud
// payloads, per-device classification, and per-entity MQTT publishes.
const LevelTrace = slog.Level(-8)

// redacted replaces the value of any attribute whose key names a
// credential.
const redacted = "[REDACTED]"

// secretKeys are attribute keys that never reach a log line verbatim.
var secretKeys = map[string]bool{
	"refresh_token": true,
	"access_token":  true,
	"client_secret": true,
	"password":      true,
	"authorization": true,
}

// ParseLogLevel converts a case-insensitive name to an [slog.Level].
// The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogAttrs is the [slog.HandlerOptions.ReplaceAttr] for every
// meshbridge handler. It renders [LevelTrace] as "TRACE" and masks
// credential-bearing attributes.
func ReplaceLogAttrs(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	case secretKeys[strings.ToLower(a.Key)]:
		if a.Value.Kind() != slog.KindString || a.Value.String() != "" {
			a.Value = slog.StringValue(redacted)
		}
	}
	return a
}

// NewLogger builds the process logger. format is "json" or anything
// else for text.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogAttrs,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger builds the logger described by the configuration.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	// Validate has already rejected unknown levels.
	level, _ := ParseLogLevel(c.LogLevel)
	return NewLogger(w, level, c.LogFormat)
}
