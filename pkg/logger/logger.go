// Package logger installs the process slog default with the formats the CLI
// exposes: simple (level + message), verbose (time + level + message) and
// json. Console output is colored when the destination is a terminal, and
// records from other modules are suppressed unless the level is debug.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/term"
)

const modulePrefix = "github.com/weftworks/loom"

var defaultLogger *slog.Logger

// ParseLevel converts a level string to a slog.Level. Valid levels are
// debug, info, warn and error; the empty string means info.
func ParseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", levelStr)
	}
}

// levelColor returns the ANSI color for a level.
func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m" // red
	case level >= slog.LevelWarn:
		return "\033[33m" // yellow
	case level >= slog.LevelInfo:
		return "\033[36m" // cyan
	default:
		return "\033[90m" // gray
	}
}

// consoleHandler renders records as single scannable lines. The simple
// format is LEVEL message k=v; verbose prefixes a timestamp. Groups are
// flattened so the console output stays short.
type consoleHandler struct {
	mu      *sync.Mutex
	writer  io.Writer
	level   slog.Level
	verbose bool
	color   bool
	attrs   []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var buf strings.Builder

	if h.verbose && !record.Time.IsZero() {
		buf.WriteString(record.Time.Format("2006/01/02 15:04:05 "))
	}

	level := strings.ToUpper(record.Level.String())
	if h.color {
		buf.WriteString(levelColor(record.Level))
		buf.WriteString(level)
		buf.WriteString("\033[0m")
	} else {
		buf.WriteString(level)
	}

	buf.WriteString(" ")
	buf.WriteString(record.Message)

	for _, a := range h.attrs {
		writeAttr(&buf, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		writeAttr(&buf, a)
		return true
	})

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, buf.String())
	return err
}

func writeAttr(buf *strings.Builder, a slog.Attr) {
	buf.WriteString(" ")
	buf.WriteString(a.Key)
	buf.WriteString("=")
	buf.WriteString(a.Value.String())
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	cp.attrs = append(cp.attrs, h.attrs...)
	cp.attrs = append(cp.attrs, attrs...)
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// moduleFilter suppresses records emitted by other modules unless the
// configured level is debug. Libraries that log through the slog default
// stay quiet during normal operation but surface when debugging.
type moduleFilter struct {
	handler slog.Handler
	min     slog.Level
}

func (h *moduleFilter) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.min {
		return false
	}
	return h.handler.Enabled(ctx, level)
}

func (h *moduleFilter) Handle(ctx context.Context, record slog.Record) error {
	if h.min <= slog.LevelDebug {
		return h.handler.Handle(ctx, record)
	}
	if !fromThisModule(record.PC) {
		return nil
	}
	return h.handler.Handle(ctx, record)
}

func (h *moduleFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilter{handler: h.handler.WithAttrs(attrs), min: h.min}
}

func (h *moduleFilter) WithGroup(name string) slog.Handler {
	return &moduleFilter{handler: h.handler.WithGroup(name), min: h.min}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.Contains(fn.Name(), modulePrefix)
}

// Init installs the process default logger. Formats: "simple" (default),
// "verbose", "json". Console formats are colored when output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	color := term.IsTerminal(int(output.Fd()))

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	case "verbose":
		handler = &consoleHandler{mu: &sync.Mutex{}, writer: output, level: level, verbose: true, color: color}
	default:
		handler = &consoleHandler{mu: &sync.Mutex{}, writer: output, level: level, color: color}
	}

	defaultLogger = slog.New(&moduleFilter{handler: handler, min: level})
	slog.SetDefault(defaultLogger)
}

// Setup resolves string settings (typically from config or flags) and
// installs the logger. Output is "stderr", "stdout" or a file path; the
// returned cleanup closes the file when one was opened.
func Setup(level, output, format string) (func(), error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cleanup := func() {}
	var dest *os.File
	switch output {
	case "", "stderr":
		dest = os.Stderr
	case "stdout":
		dest = os.Stdout
	default:
		file, closeFile, err := OpenLogFile(output)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		dest = file
		cleanup = closeFile
	}

	Init(lvl, dest, format)
	return cleanup, nil
}

// OpenLogFile opens or creates a log file for appending.
func OpenLogFile(path string) (*os.File, func(), error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { file.Close() }, nil
}

// GetLogger returns the default logger, initializing it with info level and
// the simple format when Init has not run.
func GetLogger() *slog.Logger {
	if defaultLogger == nil {
		Init(slog.LevelInfo, os.Stderr, "simple")
	}
	return defaultLogger
}
