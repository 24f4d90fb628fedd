// Package logger provides the process-wide leveled logger. It wraps log/slog
// with a package-level API so call sites stay terse (logger.Infof) and the
// output destination can be swapped once at startup.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"log/slog"
)

var (
	levelVar slog.LevelVar
	mu       sync.RWMutex
	base     *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	base = newLogger(os.Stdout)
}

func newLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &levelVar}))
}

// SetOutput replaces the log destination. Typically called once from main
// with a MultiWriter(stdout, logfile).
func SetOutput(w io.Writer) {
	mu.Lock()
	base = newLogger(w)
	mu.Unlock()
}

// SetLevel adjusts the minimum level from its string form. Unknown values
// fall back to info.
func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

// ParseLevel maps a config string to a slog level.
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

func active() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = newLogger(os.Stdout)
	}
	return base
}

func Debugf(format string, v ...any) {
	active().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	active().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	active().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	active().Error(fmt.Sprintf(format, v...))
}
