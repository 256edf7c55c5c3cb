// Package logging holds the operational logger shared by the engine, the
// driver and the server.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelWarn)
	SetOutput(os.Stderr, false)
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetOutput replaces the handler, writing text or JSON records to w.
func SetOutput(w io.Writer, json bool) {
	opts := &slog.HandlerOptions{Level: logLevel}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	opLogger.Store(slog.New(h))
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error". Unknown values are ignored.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// Level returns the current level.
func Level() slog.Level {
	return logLevel.Level()
}
