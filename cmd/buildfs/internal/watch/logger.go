package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

// ChangeType represents the type of file change.
type ChangeType string

const (
	ChangeDirty   ChangeType = "~"
	ChangeDeleted ChangeType = "-"
)

// Logger writes watch mode progress for humans or, with JSON, as one event
// object per line for tooling.
type Logger struct {
	writer  io.Writer
	isTTY   bool
	verbose bool
	noColor bool
	jsonOut bool
	now     func() time.Time
	outMu   sync.Mutex

	mu    sync.Mutex
	stats Stats
}

// Stats summarizes a watch session.
type Stats struct {
	Changes   int
	Builds    int
	Errors    int
	StartTime time.Time
}

// LoggerConfig configures the logger.
type LoggerConfig struct {
	Writer  io.Writer
	Verbose bool
	NoColor bool
	JSON    bool
}

// NewLogger creates a logger. Colors are only used on terminals.
func NewLogger(cfg LoggerConfig) *Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	isTTY := false
	if f, ok := writer.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	return &Logger{
		writer:  writer,
		isTTY:   isTTY,
		verbose: cfg.Verbose,
		noColor: cfg.NoColor,
		jsonOut: cfg.JSON,
		now:     time.Now,
		stats:   Stats{StartTime: time.Now()},
	}
}

// Ready reports that the watches are in place.
func (l *Logger) Ready(dirs, targets int, path string) {
	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":   "ready",
			"dirs":    dirs,
			"targets": targets,
			"path":    path,
		})
		return
	}
	l.printf("buildfs: watching %d directories of %d targets in %s\n", dirs, targets, path)
	l.println("buildfs: ready")
	l.println()
}

// FileChanged reports a file marked dirty or deleted. Text output only shows
// it in verbose mode.
func (l *Logger) FileChanged(path string, change ChangeType) {
	l.mu.Lock()
	l.stats.Changes++
	l.mu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":  "file_changed",
			"path":   path,
			"change": string(change),
			"time":   l.now().Format(time.RFC3339),
		})
		return
	}
	if l.verbose {
		l.printf("[%s] %s %s\n", l.timestamp(), l.colorize(string(change), change), path)
	}
}

// Building reports that a batch of changes triggers a build.
func (l *Logger) Building(paths []string) {
	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event": "building",
			"paths": paths,
			"time":  l.now().Format(time.RFC3339),
		})
		return
	}
	if len(paths) == 1 {
		l.printf("[%s] building after change to %s...\n", l.timestamp(), paths[0])
	} else {
		l.printf("[%s] building after %d changes...\n", l.timestamp(), len(paths))
	}
}

// Built reports a successful build.
func (l *Logger) Built(compiled int, elapsed time.Duration) {
	l.mu.Lock()
	l.stats.Builds++
	l.mu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":    "built",
			"compiled": compiled,
			"elapsed":  elapsed.String(),
			"time":     l.now().Format(time.RFC3339),
		})
		return
	}
	check := l.colorize("✓", ChangeDirty)
	l.printf("[%s] %s compiled %d files in %s\n", l.timestamp(), check, compiled, elapsed.Round(time.Millisecond))
}

// Error reports an error without stopping the session.
func (l *Logger) Error(err error) {
	l.mu.Lock()
	l.stats.Errors++
	l.mu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event": "error",
			"error": err.Error(),
			"time":  l.now().Format(time.RFC3339),
		})
		return
	}
	xmark := l.colorize("✗", ChangeDeleted)
	l.printf("[%s] %s error: %v\n", l.timestamp(), xmark, err)
}

// Shutdown reports the session statistics.
func (l *Logger) Shutdown() {
	stats := l.Stats()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":    "shutdown",
			"changes":  stats.Changes,
			"builds":   stats.Builds,
			"errors":   stats.Errors,
			"duration": time.Since(stats.StartTime).String(),
		})
		return
	}
	l.println()
	l.printf("buildfs: shutting down (%d changes, %d builds, %d errors)\n",
		stats.Changes, stats.Builds, stats.Errors)
}

// Stats returns the current session statistics.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Logger) timestamp() string {
	return l.now().Format("15:04:05")
}

// colorize applies ANSI colors on terminals.
func (l *Logger) colorize(s string, change ChangeType) string {
	if l.noColor || !l.isTTY {
		return s
	}
	var color string
	switch change {
	case ChangeDirty:
		color = "\033[32m" // green
	case ChangeDeleted:
		color = "\033[31m" // red
	default:
		return s
	}
	return color + s + "\033[0m"
}

func (l *Logger) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		l.println(`{"event":"internal_error","error":"json marshal failed"}`)
		return
	}
	l.println(string(data))
}

// printf and println ignore write errors; the output is informational.
func (l *Logger) printf(format string, args ...any) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	_, _ = fmt.Fprintf(l.writer, format, args...)
}

func (l *Logger) println(args ...any) {
	l.outMu.Lock()
	defer l.outMu.Unlock()
	_, _ = fmt.Fprintln(l.writer, args...)
}
