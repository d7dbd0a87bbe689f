package logging

import (
	"io"

	"go.uber.org/zap"
	"golang.org/x/exp/slog"
)

// LogLevel is the minimum level a backend's default logger emits
type LogLevel = slog.Level

const (
	LogLevelDebug LogLevel = slog.LevelDebug
	LogLevelInfo  LogLevel = slog.LevelInfo
	LogLevelError LogLevel = slog.LevelError
)

// Logger interface is the interface that jobq's logger must implement
//
// This interface is a subset of [slog.Logger]. The slog interface was chosen under the assumption that its
// likely to be Golang's standard library logging interface.
type Logger interface {
	Debug(msg string, args ...any)
	Error(msg string, args ...any)
	Info(msg string, args ...any)
}

// New returns the default text logger writing to w at the given level
func New(w io.Writer, level LogLevel) Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// zapLogger adapts a zap logger to Logger, treating args as alternating keys and values
type zapLogger struct {
	s *zap.SugaredLogger
}

// FromZap wraps l so it can be handed to a backend with SetLogger
func FromZap(l *zap.Logger) Logger {
	return zapLogger{s: l.Sugar()}
}

func (z zapLogger) Debug(msg string, args ...any) { z.s.Debugw(msg, args...) }
func (z zapLogger) Error(msg string, args ...any) { z.s.Errorw(msg, args...) }
func (z zapLogger) Info(msg string, args ...any)  { z.s.Infow(msg, args...) }
