// Package logger provides the structured slog loggers used by outagewatch.
// System logs are JSON, rotated by size:
//
//	<logDir>/system.log
//
// CLI subcommands log human-readable text to stderr instead.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the system logger.
type Options struct {
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Mirror receives every record in addition to the log file, e.g. an
	// OpenTelemetry log bridge. Nil disables mirroring.
	Mirror slog.Handler
}

// NewSystemLogger creates a JSON slog.Logger that writes to <logDir>/system.log
// with size-based rotation. The directory is created if it does not exist.
// The returned closer flushes and closes the current log file.
func NewSystemLogger(logDir string, opts Options) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return nil, nil, fmt.Errorf("creating log directory %q: %w", logDir, err)
	}

	w := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "system.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}

	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	if opts.Mirror != nil {
		handler = fanout{handler, opts.Mirror}
	}
	return slog.New(handler), w, nil
}

// NewConsoleLogger creates a text slog.Logger for CLI subcommands.
func NewConsoleLogger(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
