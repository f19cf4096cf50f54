package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-conductor/internal/shared"
)

// Logs owns the log file and the shared level of a logger built by
// NewLogger.
type Logs struct {
	file  *os.File
	level *slog.LevelVar
}

// SetLevel changes the level of every handler at runtime.
func (l *Logs) SetLevel(level string) {
	l.level.Set(ParseLevel(level))
}

// Level returns the current level.
func (l *Logs) Level() slog.Level {
	return l.level.Level()
}

// Close closes the log file.
func (l *Logs) Close() error {
	return l.file.Close()
}

// NewLogger writes JSON lines to <home>/logs/system.jsonl and, unless quiet,
// to stdout. A terminal stdout gets the text handler instead of JSON.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *Logs, error) {
	return newLogger(homeDir, level, quiet, os.Stdout)
}

func newLogger(homeDir, level string, quiet bool, stdout *os.File) (*slog.Logger, *Logs, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceAttr}

	handlers := []slog.Handler{slog.NewJSONHandler(file, opts)}
	if !quiet && stdout != nil {
		handlers = append(handlers, consoleHandler(stdout, opts))
	}
	var handler slog.Handler = handlers[0]
	if len(handlers) > 1 {
		handler = fanout(handlers)
	}
	logger := slog.New(handler).With("component", "conductor", "trace_id", "-")
	return logger, &Logs{file: file, level: lvl}, nil
}

func consoleHandler(w *os.File, opts *slog.HandlerOptions) slog.Handler {
	if isatty.IsTerminal(w.Fd()) || isatty.IsCygwinTerminal(w.Fd()) {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// NewWriterLogger returns a text logger on w with the same redaction. The
// CLI subcommands use it for stderr.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	if lower == "tokens" || strings.HasSuffix(lower, "_tokens") {
		// Token counts, not credentials.
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level. Unknown names are
// info.
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
