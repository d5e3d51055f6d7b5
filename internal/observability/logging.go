// Package observability provides structured logging and metrics for the
// chat client.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr so logs
	// never interleave with chat output on stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool
}

// redactPatterns match credentials that must never reach log output: bearer
// tokens passed on every REST call and the JWT carried in transport frames.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer|token)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`),
}

// NewLogger creates a structured slog.Logger with credential redaction.
//
// If config.Output is nil, logs go to os.Stderr. An empty or unknown level
// defaults to "info"; an empty format defaults to "text".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Format == "" {
		config.Format = "text"
	}

	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactAttr scrubs credential-shaped values from every record.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	a.Value = slog.StringValue(Redact(a.Value.String()))
	return a
}

// Redact replaces credential-shaped substrings with a placeholder.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
