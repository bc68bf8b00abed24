package kafka

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
)

// Logger interface for customizable logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// DefaultLogger writes level-prefixed lines through the standard log
// package. Messages above the configured level are dropped.
type DefaultLogger struct {
	level  LogLevel
	logger *log.Logger
}

// NewDefaultLogger creates a logger writing to stderr
func NewDefaultLogger(level LogLevel) *DefaultLogger {
	return NewDefaultLoggerTo(os.Stderr, level)
}

// NewDefaultLoggerTo creates a logger writing to w
func NewDefaultLoggerTo(w io.Writer, level LogLevel) *DefaultLogger {
	return &DefaultLogger{
		level:  level,
		logger: log.New(w, "", log.LstdFlags),
	}
}

var levelPrefix = map[LogLevel]string{
	LogLevelDebug: "[DEBUG] ",
	LogLevelInfo:  "[INFO] ",
	LogLevelWarn:  "[WARN] ",
	LogLevelError: "[ERROR] ",
}

func (l *DefaultLogger) logf(level LogLevel, format string, args []interface{}) {
	if l.level < level {
		return
	}
	l.logger.Printf(levelPrefix[level]+format, args...)
}

// Debug logs a debug message
func (l *DefaultLogger) Debug(format string, args ...interface{}) {
	l.logf(LogLevelDebug, format, args)
}

// Info logs an info message
func (l *DefaultLogger) Info(format string, args ...interface{}) {
	l.logf(LogLevelInfo, format, args)
}

// Warn logs a warning message
func (l *DefaultLogger) Warn(format string, args ...interface{}) {
	l.logf(LogLevelWarn, format, args)
}

// Error logs an error message
func (l *DefaultLogger) Error(format string, args ...interface{}) {
	l.logf(LogLevelError, format, args)
}

// NoopLogger discards everything. Tests and components without a
// configured logger use it.
type NoopLogger struct{}

func NewNoopLogger() *NoopLogger { return &NoopLogger{} }

func (*NoopLogger) Debug(string, ...interface{}) {}
func (*NoopLogger) Info(string, ...interface{})  {}
func (*NoopLogger) Warn(string, ...interface{})  {}
func (*NoopLogger) Error(string, ...interface{}) {}

// SlogLogger adapts a *slog.Logger to Logger. Messages are formatted
// before they reach the handler.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger; nil uses slog.Default()
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) log(level slog.Level, format string, args []interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Debug logs at slog.LevelDebug
func (l *SlogLogger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args)
}

// Info logs at slog.LevelInfo
func (l *SlogLogger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args)
}

// Warn logs at slog.LevelWarn
func (l *SlogLogger) Warn(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args)
}

// Error logs at slog.LevelError
func (l *SlogLogger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args)
}
