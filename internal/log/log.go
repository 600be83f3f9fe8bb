package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	logger    atomic.Pointer[slog.Logger]
	level     = new(slog.LevelVar)
	verbosity atomic.Int32
	format    atomic.Value // string
	output    atomic.Value // io.Writer
)

func init() {
	// Warnings only until Init runs.
	level.Set(slog.LevelWarn)
	verbosity.Store(VerbosityWarn)
	format.Store("text")
	output.Store(io.Writer(os.Stderr))
	rebuild()
}

// rebuild installs a logger for the current format and output.
func rebuild() {
	l := slog.New(NewHandler(HandlerOptions{
		Level:  level,
		Format: format.Load().(string),
		Output: output.Load().(io.Writer),
	}))
	logger.Store(l)
	slog.SetDefault(l)
}

// Init configures verbosity and format of the global logger (call once at startup).
func Init(v int, f string) {
	verbosity.Store(int32(v))
	level.Set(VerbosityToLevel(v))
	if f == "" {
		f = "text"
	}
	format.Store(f)
	rebuild()
}

// SetOutput redirects log output. Tests use it to capture records.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	output.Store(w)
	rebuild()
}

// SetVerbosity changes verbosity at runtime.
func SetVerbosity(v int) {
	verbosity.Store(int32(v))
	level.Set(VerbosityToLevel(v))
}

// Verbosity returns the current verbosity level.
func Verbosity() int {
	return int(verbosity.Load())
}

// Logger returns the current logger instance.
func Logger() *slog.Logger {
	return logger.Load()
}

// Error logs at error level (v=0).
func Error(msg string, args ...any) {
	logger.Load().Error(msg, args...)
}

// Warn logs at warn level (v=1).
func Warn(msg string, args ...any) {
	logger.Load().Warn(msg, args...)
}

// Info logs at info level (v=2).
func Info(msg string, args ...any) {
	logger.Load().Info(msg, args...)
}

// Debug logs at debug level (v=3).
func Debug(msg string, args ...any) {
	logger.Load().Debug(msg, args...)
}

// Trace logs at trace level (v=4).
func Trace(msg string, args ...any) {
	logger.Load().Log(context.Background(), LevelTrace, msg, args...)
}

// V returns a logger that only logs if verbosity >= v.
// Usage: log.V(3).Info("detailed", "key", value)
func V(v int) *slog.Logger {
	if int(verbosity.Load()) >= v {
		return logger.Load()
	}
	return slog.New(slog.DiscardHandler)
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return logger.Load().With(args...)
}

// Component returns a logger tagged with component name.
func Component(name string) *slog.Logger {
	return logger.Load().With("component", name)
}
