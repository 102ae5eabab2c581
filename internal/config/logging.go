package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

const redacted = "[redacted]"

// secretKeys are attribute-name fragments whose string values never reach a
// log. Numeric attributes such as token counts pass through.
var secretKeys = []string{"api_key", "apikey", "password", "secret", "token", "authorization"}

// SetupLogger creates a dual-output logger: text to stderr, JSON to file.
// Secret-looking attributes are redacted on both outputs. Returns the logger
// and a cleanup function to close the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if logFile == "" {
		return slog.New(redact(stderrHandler)), func() error { return nil }
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		// Fall back to stderr-only if file fails
		slog.Error("failed to open log file, using stderr only", "error", err, "file", logFile)
		return slog.New(redact(stderrHandler)), func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(redact(slogmulti.Fanout(stderrHandler, fileHandler))), file.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(redact(slogmulti.Fanout(stderrHandler, fileHandler)))
}

func redact(h slog.Handler) slog.Handler {
	return slogmulti.Pipe(slogmulti.NewHandleInlineMiddleware(redactRecord)).Handler(h)
}

func redactRecord(ctx context.Context, record slog.Record, next func(context.Context, slog.Record) error) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return next(ctx, clean)
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		attrs := a.Value.Group()
		out := make([]any, len(attrs))
		for i, ga := range attrs {
			out[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, out...)
	}
	if a.Value.Kind() == slog.KindString && a.Value.String() != "" && isSecretKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	return a
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}
