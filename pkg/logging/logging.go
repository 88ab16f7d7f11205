package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ParseLevel converts a configuration string into a LogLevel, falling back to info
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LogLevelDebug:
		return LogLevelDebug
	case LogLevelWarn:
		return LogLevelWarn
	case LogLevelError:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger wraps slog.Logger with component-specific functionality
type Logger struct {
	*slog.Logger
	component string
}

// NewLogger creates a new structured logger writing JSON to stderr.
// Stdout is left to the cue display.
func NewLogger(component string, level LogLevel) *Logger {
	return NewLoggerWithWriter(os.Stderr, component, level)
}

// NewLoggerWithWriter creates a new structured logger writing JSON to w
func NewLoggerWithWriter(w io.Writer, component string, level LogLevel) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slogLevel(level),
	})

	return &Logger{
		Logger:    slog.New(handler),
		component: component,
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewLoggerWithWriter(io.Discard, "discard", LogLevelError)
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns the component name attached to every record
func (l *Logger) Component() string {
	return l.component
}

// WithComponent creates a logger with a different component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger:    l.Logger,
		component: component,
	}
}

// Debug logs a debug message with component context
func (l *Logger) Debug(msg string, args ...any) {
	l.Logger.Debug(msg, append([]any{"component", l.component}, args...)...)
}

// Info logs an info message with component context
func (l *Logger) Info(msg string, args ...any) {
	l.Logger.Info(msg, append([]any{"component", l.component}, args...)...)
}

// Warn logs a warning message with component context
func (l *Logger) Warn(msg string, args ...any) {
	l.Logger.Warn(msg, append([]any{"component", l.component}, args...)...)
}

// Error logs an error message with component context
func (l *Logger) Error(msg string, args ...any) {
	l.Logger.Error(msg, append([]any{"component", l.component}, args...)...)
}

// LogOffsetChange logs a subtitle offset reconfiguration
func (l *Logger) LogOffsetChange(previous, current time.Duration, discarded int) {
	l.Info("offset changed",
		"previous_ms", previous.Milliseconds(),
		"offset_ms", current.Milliseconds(),
		"discarded_batches", discarded)
}

// LogDelivery logs a batch handed to the display
func (l *Logger) LogDelivery(cues int, delayed bool, lateness time.Duration) {
	l.Debug("cues delivered",
		"cues", cues,
		"delayed", delayed,
		"lateness_ms", lateness.Milliseconds())
}

// LogError logs error events with context
func (l *Logger) LogError(operation string, err error, context ...any) {
	args := append([]any{"operation", operation, "error", err.Error()}, context...)
	l.Error("operation failed", args...)
}
