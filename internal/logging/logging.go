// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// File is the rotating log file. Empty disables file logging.
	File  string
	Level string
	// Stderr, when set, receives a human readable copy of every entry.
	Stderr io.Writer
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// Build returns a logger writing to the configured sinks and a function
// that releases them. With no sinks the logger discards everything.
func Build(opts Options) (logger slog.Logger, closeLog func(), err error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return slog.Logger{}, func() {}, err
	}

	var (
		sinks   []slog.Sink
		closers []func() error
	)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return slog.Logger{}, func() {}, fmt.Errorf("create log directory: %w", err)
		}
		w := &closeOnceWriter{w: &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    5, // MB
			MaxBackups: 1,
		}}
		closers = append(closers, w.Close)
		sinks = append(sinks, sloghuman.Sink(w))
	}
	if opts.Stderr != nil {
		sinks = append(sinks, sloghuman.Sink(opts.Stderr))
	}

	return slog.Make(sinks...).Leveled(level), func() {
		for _, c := range closers {
			_ = c()
		}
	}, nil
}

// closeOnceWriter stops writes after Close since lumberjack reopens the
// file on Write.
type closeOnceWriter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closed bool
}

func (c *closeOnceWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.w.Write(p)
}

func (c *closeOnceWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}
