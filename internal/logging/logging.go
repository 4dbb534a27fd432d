// Package logging provides structured logging for the tickpipe daemon.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("feed")
//	log.Info("connected", "url", url)
//
//	// Hot paths use a throttled logger
//	drops := logging.NewThrottled(log, 1, 5)
//	drops.Warn("buffer full, tick rejected", "symbol", sym)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/term"
	"golang.org/x/time/rate"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, human-readable text.
func Init(level slog.Level, jsonFormat bool) {
	InitWriter(os.Stdout, level, jsonFormat)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Setup initializes the global logger from configuration strings.
//
// level is one of debug, info, warn, error. format is text, json or auto;
// auto selects text when stdout is a terminal and JSON otherwise.
func Setup(level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var jsonFormat bool
	switch strings.ToLower(format) {
	case "json":
		jsonFormat = true
	case "text":
		jsonFormat = false
	case "auto", "":
		jsonFormat = !term.IsTerminal(int(os.Stdout.Fd()))
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	Init(lvl, jsonFormat)
	return nil
}

// ParseLevel parses a level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("writer")
//	log.Info("started") // Output: time=... level=INFO component=writer msg=started
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns log extended with the run id and batch sequence
// carried by ctx. A nil log starts from the global logger.
func WithContext(ctx context.Context, log *slog.Logger) *slog.Logger {
	if log == nil {
		if Logger == nil {
			Init(slog.LevelInfo, false)
		}
		log = Logger
	}

	logger := log

	if runID, ok := ctx.Value(contextKeyRunID).(string); ok {
		logger = logger.With("run_id", runID)
	}
	if batchSeq, ok := ctx.Value(contextKeyBatchSeq).(uint64); ok {
		logger = logger.With("batch_seq", batchSeq)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyRunID contextKey = iota
	contextKeyBatchSeq
)

// ContextWithRunID adds a pipeline run ID to the context for logging.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, contextKeyRunID, runID)
}

// ContextWithBatchSeq adds a batch sequence number to the context for logging.
func ContextWithBatchSeq(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, contextKeyBatchSeq, seq)
}

// =============================================================================
// Throttled Logger
// =============================================================================

// Throttled logs at most r entries per second (burst b) and counts the rest.
// The suppressed count is attached to the next entry that gets through.
type Throttled struct {
	log        *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottled wraps log with a token bucket limiter.
func NewThrottled(log *slog.Logger, perSecond float64, burst int) *Throttled {
	return &Throttled{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Warn logs at warning level if the limiter allows it.
func (t *Throttled) Warn(msg string, args ...any) {
	t.emit(slog.LevelWarn, msg, args...)
}

// Debug logs at debug level if the limiter allows it.
func (t *Throttled) Debug(msg string, args ...any) {
	t.emit(slog.LevelDebug, msg, args...)
}

func (t *Throttled) emit(level slog.Level, msg string, args ...any) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	t.log.Log(context.Background(), level, msg, args...)
}

// Suppressed returns the number of entries dropped since the last emitted one.
func (t *Throttled) Suppressed() int64 {
	return t.suppressed.Load()
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
