package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger defines the interface for logging in the Vigil daemon.
// It provides standard logging levels and a mechanism to add structured context.
type Logger interface {
	// Debug logs a message at the debug level.
	Debug(msg string, args ...any)
	// Info logs a message at the info level.
	Info(msg string, args ...any)
	// Warn logs a message at the warning level.
	Warn(msg string, args ...any)
	// Error logs a message at the error level.
	Error(msg string, args ...any)
	// With returns a new Logger with the given structured context added.
	With(args ...any) Logger
}

// level is shared by every handler the package builds, so loggers derived
// with With follow later level changes.
var level = new(slog.LevelVar)

// Log is the global logger instance used throughout the daemon.
// It is initialized with a default JSON handler pointing to stdout.
var Log Logger = newWrapper(os.Stdout, "json")

// InitLogger initializes the global Log instance with the specified level and format.
// Supported levels are "debug", "info", "warn", and "error"; formats are
// "json" (default) and "text". Call it once at startup, before loggers are
// derived from Log; use SetLevel afterwards.
func InitLogger(lvl, format string) {
	level.Set(ParseLevel(lvl))
	Log = newWrapper(os.Stdout, format)
}

// SetLevel changes the level of Log and of every logger derived from it.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Level is the current minimum level.
func Level() slog.Level { return level.Level() }

// SetOutput redirects the global logger, keeping JSON output at debug level.
// Tests use it to capture or silence logs.
func SetOutput(w io.Writer) {
	level.Set(slog.LevelDebug)
	Log = newWrapper(w, "json")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func newWrapper(w io.Writer, format string) *wrapper {
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source file info for better debugging
		AddSource: true,
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &wrapper{l: slog.New(handler)}
}

type wrapper struct {
	l *slog.Logger
}

func (w *wrapper) Debug(msg string, args ...any) { w.l.Debug(msg, args...) }
func (w *wrapper) Info(msg string, args ...any)  { w.l.Info(msg, args...) }
func (w *wrapper) Warn(msg string, args ...any)  { w.l.Warn(msg, args...) }
func (w *wrapper) Error(msg string, args ...any) { w.l.Error(msg, args...) }
func (w *wrapper) With(args ...any) Logger       { return &wrapper{l: w.l.With(args...)} }

// Personal.AI order the ending
