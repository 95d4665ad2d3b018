// logging.go: pluggable logging for the runtime engines
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package hotmod

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type loggerContextKey struct{}

// Logger is the logging interface used by every engine in the runtime.
//
// Arguments after the message are key-value pairs, e.g.
//
//	logger.Info("Module loaded", "module_id", id, "version", version)
//
// Use NewZapLogger to back it with go.uber.org/zap, or provide any type that
// satisfies the interface.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that adds args to every entry.
	With(args ...any) Logger
}

// NewLogger normalizes the logger values accepted by the engine options:
// a Logger is used as is, a *zap.Logger is wrapped with NewZapLogger and nil
// gives a NoOpLogger. Any other type panics.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case Logger:
		return l
	case *zap.Logger:
		return NewZapLogger(l)
	case nil:
		return NewNoOpLogger()
	default:
		panic("unsupported logger type: expected Logger interface or nil")
	}
}

// NoOpLogger discards everything. Engines built without a logger use it.
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-operation logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(string, ...any) {}
func (n *NoOpLogger) Info(string, ...any) {}
func (n *NoOpLogger) Warn(string, ...any) {}
func (n *NoOpLogger) Error(string, ...any) {}
func (n *NoOpLogger) With(...any) Logger { return n }

// TestLogger captures entries in memory for assertions.
type TestLogger struct {
	mu       sync.RWMutex
	Messages []TestLogMessage
}

// TestLogMessage is one captured entry.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates an empty capturing logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{Messages: make([]TestLogMessage, 0)}
}

func (t *TestLogger) record(level, msg string, args []any) {
	t.mu.Lock()
	t.Messages = append(t.Messages, TestLogMessage{Level: level, Message: msg, Args: args})
	t.mu.Unlock()
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any) { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any) { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With drops args and returns the same logger, so entries from derived
// loggers land in one buffer.
func (t *TestLogger) With(...any) Logger { return t }

// HasMessage reports whether an entry with this level and message was captured.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, msg := range t.Messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Entries returns a copy of the captured entries at level, all when level is empty.
func (t *TestLogger) Entries(level string) []TestLogMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TestLogMessage, 0, len(t.Messages))
	for _, msg := range t.Messages {
		if level == "" || msg.Level == level {
			out = append(out, msg)
		}
	}
	return out
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	t.Messages = t.Messages[:0]
	t.mu.Unlock()
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or
// DefaultLogger. Module factories and init hooks receive a context carrying
// their module-scoped logger.
func LoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}
