// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu       sync.Mutex
	initOnce bool
)

// Setup installs the default slog handler at the given level. Safe to call
// more than once; the last call wins.
func Setup(level string) {
	mu.Lock()
	defer mu.Unlock()
	slog.SetDefault(slog.New(newHandler(os.Stderr, ParseLevel(level))))
	initOnce = true
}

// SetupWriter is Setup with an explicit destination, used by tests.
func SetupWriter(w io.Writer, level string) {
	mu.Lock()
	defer mu.Unlock()
	slog.SetDefault(slog.New(newHandler(w, ParseLevel(level))))
	initOnce = true
}

// ResetForTests restores the stock slog default so tests do not observe a
// handler installed by an earlier test.
func ResetForTests() {
	mu.Lock()
	defer mu.Unlock()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	initOnce = false
}

// ParseLevel maps a config level string onto a slog.Level. Unknown values
// fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}
