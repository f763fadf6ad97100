// Copyright (C) 2025 BundleNudge (support@bundlenudge.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for BundleNudge components.
//
// The package builds a standard *slog.Logger with multi-destination
// output:
//
//   - Default: stderr in human-readable text (follows Unix conventions)
//   - Optional: rotating JSON log file via lumberjack
//
// # Basic Usage
//
// For simple CLI usage with stderr output:
//
//	logger, closeFn := logging.New(logging.Config{Service: "bundlenudge"})
//	defer closeFn()
//	logger.Info("starting server", "addr", addr)
//
// # File Logging
//
// To enable rotating file logging alongside stderr:
//
//	logger, closeFn := logging.New(logging.Config{
//	    Level:      "debug",
//	    File:       "/var/log/bundlenudge/server.log",
//	    MaxSizeMB:  50,
//	    MaxBackups: 5,
//	    Service:    "server",
//	})
//	defer closeFn()
//
// File output is always JSON regardless of the stderr format, as it
// is intended for machine processing.
//
// # Thread Safety
//
// The returned *slog.Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure API keys and device identifiers are not logged beyond
// what operations require:
//
//	// BAD: logs the credential
//	logger.Info("auth", "api_key", key)
//
//	// GOOD: log metadata only
//	logger.Info("auth", "api_key_present", key != "")
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the logger. A zero-value Config creates a logger
// that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level: "debug", "info", "warn",
	// or "error". Unrecognized values fall back to "info".
	Level string

	// File enables rotating file logging at the given path.
	// Empty disables file output.
	File string

	// MaxSizeMB is the size at which the log file rotates.
	// Default: 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to retain.
	// Default: 3.
	MaxBackups int

	// MaxAgeDays is the retention age for rotated files.
	// Default: 28.
	MaxAgeDays int

	// Service identifies the component generating logs. Included in
	// every entry as the "service" attribute when non-empty.
	Service string

	// JSON switches stderr output to JSON. File output is always
	// JSON.
	JSON bool

	// Quiet disables stderr output. Useful for daemons whose stderr
	// is not monitored; logs then go to the file only.
	Quiet bool
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// =============================================================================
// Constructor
// =============================================================================

// New creates a structured logger per config.
//
// # Outputs
//
//   - *slog.Logger: Ready for use; never nil.
//   - func() error: Closes the rotating file if one was opened.
//     Always safe to call.
func New(config Config) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(config.Level)}

	var handlers []slog.Handler
	closeFn := func() error { return nil }

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	if config.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    defaultInt(config.MaxSizeMB, 100),
			MaxBackups: defaultInt(config.MaxBackups, 3),
			MaxAge:     defaultInt(config.MaxAgeDays, 28),
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(rotator, opts))
		closeFn = rotator.Close
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		// Quiet with no file still needs a valid handler.
		handler = slog.DiscardHandler
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	return slog.New(handler), closeFn
}

// Default returns a stderr text logger at Info level.
func Default() *slog.Logger {
	logger, _ := New(Config{Service: "bundlenudge"})
	return logger
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers. This
// enables simultaneous output to stderr and file with different
// formats (text vs JSON).
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
