// Package observability provides structured logging and Prometheus metrics
// for the switchboard daemon.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format selects the output format: "json" (production) or "text".
	Format string

	// Output is the writer for log output. Defaults to os.Stdout.
	Output io.Writer
}

// defaultRedactPatterns match common secret shapes in attribute values. Bot
// tokens and API keys routinely end up in error strings; they must never
// reach the logs verbatim.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),             // telegram bot token
	regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}\b`),              // anthropic api key
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),                    // openai api key
	regexp.MustCompile(`(?i)\b(bearer|token)\s+[A-Za-z0-9._-]{16,}`), // bearer credentials
}

// NewLogger builds a slog.Logger with level filtering, the selected output
// format, and secret redaction applied to string attribute values.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// redactAttr scrubs secret-shaped substrings from string attribute values.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	s := a.Value.String()
	for _, pattern := range defaultRedactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	a.Value = slog.StringValue(s)
	return a
}
