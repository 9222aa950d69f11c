// Package logger provides the process-wide structured logger for authd.
//
// A package-level singleton keeps call sites short; it is stored atomically
// so it is safe to read from any goroutine. Tests that need to capture
// output can swap it with Set.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	// Default logger so callers that skip Initialize don't panic.
	singleton.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Initialize sets up the singleton logger. JSON output, debug level when
// verbose is set.
func Initialize(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	singleton.Store(slog.New(handler))
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the singleton logger. Intended for tests.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	singleton.Load().Debug(fmt.Sprintf(msg, args...))
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	singleton.Load().Info(fmt.Sprintf(msg, args...))
}

// Warnf logs a formatted message at warn level.
func Warnf(msg string, args ...any) {
	singleton.Load().Warn(fmt.Sprintf(msg, args...))
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	singleton.Load().Error(fmt.Sprintf(msg, args...))
}
