package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a deliberately small, framework-agnostic logging interface.
type Logger interface {
	// Debug logs a debug-level message.
	Debug(msg string, fields ...Field)

	// Info logs an informational message.
	Info(msg string, fields ...Field)

	// Warn logs a warning.
	Warn(msg string, fields ...Field)

	// Error logs an error.
	Error(msg string, fields ...Field)

	// With returns a child logger with persistent fields.
	With(fields ...Field) Logger
}

// Field is a simple key/value pair for structured logging fields.
type Field struct {
	Key   string
	Value any
}

// Options controls the output of a StdoutLogger.
type Options struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is "json" or "text". Defaults to json.
	Format string
	// Writer defaults to os.Stdout.
	Writer io.Writer
}

// StdoutLogger is a structured logger backed by log/slog.
// It implements Logger and prints one record per line.
type StdoutLogger struct {
	component string
	root      *slog.Logger
	persist   []slog.Attr
	logger    *slog.Logger
}

var _ Logger = (*StdoutLogger)(nil)

// NewStdoutLogger creates a JSON logger at info level. component is optional
// and is attached to every record.
func NewStdoutLogger(component string) *StdoutLogger {
	return NewLogger(component, Options{})
}

// NewLogger creates a StdoutLogger from explicit options.
func NewLogger(component string, opts Options) *StdoutLogger {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	s := &StdoutLogger{component: component, root: slog.New(handler)}
	s.build()
	return s
}

func (s *StdoutLogger) build() {
	args := make([]any, 0, len(s.persist)+1)
	if s.component != "" {
		args = append(args, slog.String("component", s.component))
	}
	for _, a := range s.persist {
		args = append(args, a)
	}
	s.logger = s.root.With(args...)
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
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

func (s *StdoutLogger) log(level slog.Level, msg string, fields ...Field) {
	if !s.logger.Enabled(context.Background(), level) {
		return
	}
	s.logger.LogAttrs(context.Background(), level, msg, attrs(fields)...)
}

func (s *StdoutLogger) Debug(msg string, fields ...Field) {
	s.log(slog.LevelDebug, msg, fields...)
}

func (s *StdoutLogger) Info(msg string, fields ...Field) {
	s.log(slog.LevelInfo, msg, fields...)
}

func (s *StdoutLogger) Warn(msg string, fields ...Field) {
	s.log(slog.LevelWarn, msg, fields...)
}

func (s *StdoutLogger) Error(msg string, fields ...Field) {
	s.log(slog.LevelError, msg, fields...)
}

// With returns a child logger. A "component" field replaces the component name.
func (s *StdoutLogger) With(fields ...Field) Logger {
	child := &StdoutLogger{component: s.component, root: s.root}
	child.persist = append(child.persist, s.persist...)
	for _, f := range fields {
		if f.Key == "component" {
			if str, ok := f.Value.(string); ok {
				child.component = str
				continue
			}
		}
		child.persist = append(child.persist, attrs([]Field{f})...)
	}
	child.build()
	return child
}

// Slog exposes the underlying slog.Logger for libraries that want one.
func (s *StdoutLogger) Slog() *slog.Logger {
	return s.logger
}

func attrs(fields []Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, slog.String(f.Key, err.Error()))
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}
