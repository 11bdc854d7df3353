// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging configures structured logging for the hedge binaries.
//
// Logs go to stderr by default. When stderr is a terminal the output is
// human-readable text; otherwise (containers, CI, pipes) it is JSON so log
// collectors can parse it. An optional log directory adds a JSON file sink
// named {service}_{date}.log next to the stderr output.
//
//	logger := logging.New(logging.Config{Level: logging.LevelInfo, Service: "coordinator"})
//	defer logger.Close()
//	logger.SetDefault()
//
// # Thread Safety
//
// Logger is safe for concurrent use.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel parses a level name, case-insensitively. "warning" is
// accepted for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Format selects the stderr encoding.
type Format string

const (
	// FormatAuto uses text on a terminal and JSON otherwise.
	FormatAuto Format = "auto"
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses a format name. Empty means FormatAuto.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatAuto, nil
	case FormatAuto, FormatText, FormatJSON:
		return f, nil
	}
	return FormatAuto, fmt.Errorf("unknown log format %q", s)
}

// Config configures New.
type Config struct {
	// Level is the minimum level logged.
	Level Level

	// Format is the stderr encoding. Empty means FormatAuto.
	Format Format

	// LogDir enables the JSON file sink. Supports ~ expansion.
	LogDir string

	// Service is attached to every record and names the log file.
	Service string

	// Quiet disables the stderr output; the file sink still works.
	Quiet bool

	// Output replaces stderr, mainly for tests.
	Output io.Writer
}

// ConfigFromEnv overlays HEDGE_LOG_LEVEL, HEDGE_LOG_FORMAT and
// HEDGE_LOG_DIR on cfg. Invalid values are reported and leave the field
// unchanged.
func ConfigFromEnv(cfg Config) (Config, error) {
	if v := os.Getenv("HEDGE_LOG_LEVEL"); v != "" {
		level, err := ParseLevel(v)
		if err != nil {
			return cfg, fmt.Errorf("HEDGE_LOG_LEVEL: %w", err)
		}
		cfg.Level = level
	}
	if v := os.Getenv("HEDGE_LOG_FORMAT"); v != "" {
		format, err := ParseFormat(v)
		if err != nil {
			return cfg, fmt.Errorf("HEDGE_LOG_FORMAT: %w", err)
		}
		cfg.Format = format
	}
	if v := os.Getenv("HEDGE_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	return cfg, nil
}

// Logger owns the handlers and the optional log file.
type Logger struct {
	slog *slog.Logger
	file *os.File
	path string
	mu   sync.Mutex
}

// New creates a logger. A log directory that cannot be created or opened
// is reported on the stderr handler and otherwise ignored, so logging
// problems never stop a solve.
func New(config Config) *Logger {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if useJSON(config.Format, out) {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	logger := &Logger{}
	var fileErr error
	if config.LogDir != "" {
		logger.file, logger.path, fileErr = openLogFile(config.LogDir, config.Service)
		if fileErr == nil {
			handlers = append(handlers, slog.NewJSONHandler(logger.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.slog.Warn("file logging disabled", slog.String("dir", config.LogDir), slog.String("error", fileErr.Error()))
	}
	return logger
}

// useJSON resolves the stderr format. Auto picks JSON unless out is a
// terminal.
func useJSON(format Format, out io.Writer) bool {
	switch format {
	case FormatJSON:
		return true
	case FormatText:
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return true
	}
	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

func openLogFile(dir, service string) (*os.File, string, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", err
	}
	if service == "" {
		service = "hedge"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, "", err
	}
	return file, path, nil
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.slog }

// SetDefault installs the logger as slog's default.
func (l *Logger) SetDefault() { slog.SetDefault(l.slog) }

// FilePath returns the log file path, or "" without a file sink.
func (l *Logger) FilePath() string { return l.path }

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
