// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides the structured logger used across flowmeter.
// Components obtain a named logger via WithComponent; log lines carry
// key/value pairs, never formatted strings.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Output defaults to stderr.
	Output io.Writer
}

// DefaultConfig returns the default logger configuration (info, stderr).
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Logger is a leveled, structured logger.
type Logger struct {
	sl *slog.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// New creates a logger from the given config.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	return &Logger{sl: slog.New(h)}
}

// SetDefault installs the process-wide default logger used by WithComponent.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// WithComponent returns the default logger tagged with a component name.
func WithComponent(name string) *Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	return l.With("component", name)
}

// ParseLevel maps a config string to a slog level. Unknown values fall
// back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// With returns a logger that always carries the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }
