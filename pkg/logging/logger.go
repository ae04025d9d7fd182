// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for FluxGate components.
//
// The package is a thin layer over the standard library slog package:
//
//   - Default: stderr output (text when attached to a terminal, JSON
//     otherwise, so daemon logs stay machine-parseable)
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("route created", "partner", tenantID)
//	logger.Error("forward failed", "error", err)
//
// # File Logging
//
//	logger, closeFn, err := logging.New(logging.Config{
//	    Level:   logging.LevelDebug,
//	    LogDir:  "/var/log/fluxgate",
//	    Service: "forwarder",
//	})
//	defer closeFn()
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure partner tokens and client secrets are never logged:
//
//	// BAD: logs the bearer token
//	logger.Info("auth", "token", cred.AccessToken)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "token_present", cred.AccessToken != "")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
)

// Level represents log severity levels, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota - 1

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	LevelWarn

	// LevelError is for error conditions.
	LevelError
)

// String returns the human-readable name of the level.
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

// ParseLevel converts a config string ("debug", "info", ...) to a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
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

// Config configures logger construction. The zero value writes Info+
// messages to stderr.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory. The file is
	// named "{Service}_{YYYY-MM-DD}.log" and always JSON.
	LogDir string

	// Service is included in every entry as the "service" attribute.
	Service string

	// JSON forces JSON output on stderr even when attached to a TTY.
	JSON bool

	// Quiet disables stderr output (file/exporter only).
	Quiet bool
}

// Default returns a stderr logger at Info level.
func Default() *slog.Logger {
	logger, _, _ := New(Config{})
	return logger
}

// New builds a logger from cfg.
//
// Returns the logger, a close function that flushes and closes the log
// file (a no-op when file logging is disabled), and an error if the log
// directory could not be created.
func New(cfg Config) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level.toSlogLevel()}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON || !isatty.IsTerminal(os.Stderr.Fd()) {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	closeFn := func() error { return nil }
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
		closeFn = f.Close
	}

	var h slog.Handler
	switch len(handlers) {
	case 0:
		h = slog.NewJSONHandler(io.Discard, opts)
	case 1:
		h = handlers[0]
	default:
		h = multiHandler(handlers)
	}

	logger := slog.New(h)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger, closeFn, nil
}
