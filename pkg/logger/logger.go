package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Logger represents a simple logger interface
type Logger interface {
	Debug(msg string, keyvals ...interface{})
	Info(msg string, keyvals ...interface{})
	Warn(msg string, keyvals ...interface{})
	Error(msg string, keyvals ...interface{})
}

// Format selects the log output encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

type slogLogger struct {
	l *slog.Logger
}

// ParseLevel converts a level name into a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	var l slog.Level

	if err := l.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(level)))); err != nil {
		return slog.LevelInfo
	}

	return l
}

// NewLogger creates a new logger with the specified level, colored text for development and JSON otherwise
func NewLogger(level string, format Format) Logger {
	return New(os.Stdout, level, format)
}

// New creates a logger writing to w
func New(w io.Writer, level string, format Format) Logger {
	lvl := ParseLevel(level)

	var handler slog.Handler

	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
		})
	}

	return &slogLogger{l: slog.New(handler)}
}

// FromSlog wraps an existing slog logger
func FromSlog(l *slog.Logger) Logger {
	return &slogLogger{l: l}
}

// Discard returns a logger that drops everything
func Discard() Logger {
	return &slogLogger{l: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

func (l *slogLogger) Debug(msg string, keyvals ...interface{}) {
	l.log(slog.LevelDebug, msg, keyvals...)
}

func (l *slogLogger) Info(msg string, keyvals ...interface{}) {
	l.log(slog.LevelInfo, msg, keyvals...)
}

func (l *slogLogger) Warn(msg string, keyvals ...interface{}) {
	l.log(slog.LevelWarn, msg, keyvals...)
}

func (l *slogLogger) Error(msg string, keyvals ...interface{}) {
	l.log(slog.LevelError, msg, keyvals...)
}

func (l *slogLogger) log(level slog.Level, msg string, keyvals ...interface{}) {
	ctx := context.Background()

	if !l.l.Enabled(ctx, level) {
		return
	}

	l.l.Log(ctx, level, msg, normalize(keyvals)...)
}

// normalize pads a dangling key and renders error values as strings so both handlers print them
func normalize(keyvals []interface{}) []interface{} {
	if len(keyvals)%2 == 1 {
		keyvals = append(keyvals, "missing")
	}

	for i := 1; i < len(keyvals); i += 2 {
		if err, ok := keyvals[i].(error); ok && err != nil {
			keyvals[i] = err.Error()
		}
	}

	return keyvals
}
