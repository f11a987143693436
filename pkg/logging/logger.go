// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging sets up structured logging for Aura processes.
//
// The default is human-readable text on stderr, following Unix CLI
// conventions. When a log directory is configured, a JSON log file named
// "{service}_{date}.log" is written alongside; file logs are always JSON
// because they exist for machine processing.
//
// Callers hold a Logger only for its lifecycle; log statements go through
// the slog.Logger it installs:
//
//	lg, err := logging.New(logging.Config{Service: "aura"})
//	if err != nil { ... }
//	defer lg.Close()
//	slog.SetDefault(lg.Slog())
//
// This package does not redact anything. Keep tokens and PII out of log
// attributes.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config configures a Logger. The zero value logs Info and above as text
// on stderr.
type Config struct {
	// Level is the minimum level written. Defaults to slog.LevelInfo.
	Level slog.Level

	// LogDir enables JSON file logging in the given directory. Supports
	// a leading ~ for the home directory. Empty disables file logging.
	LogDir string

	// Service tags every entry with the emitting component and names the
	// log file.
	Service string

	// JSON switches the stderr stream to JSON.
	JSON bool

	// Quiet drops the stderr stream entirely; only the file (if any)
	// receives entries.
	Quiet bool
}

// Logger owns the logging destinations. Close it when the process exits
// so the log file is flushed.
//
// Thread Safety: Safe for concurrent use.
type Logger struct {
	slog *slog.Logger
	file *os.File
}

// New builds a logger from the configuration.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handlers []slog.Handler
	if !cfg.Quiet {
		if cfg.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return nil, err
		}
		l.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = discardHandler{}
	case 1:
		handler = handlers[0]
	default:
		handler = fanoutHandler(handlers)
	}

	l.slog = slog.New(handler)
	if cfg.Service != "" {
		l.slog = l.slog.With(slog.String("service", cfg.Service))
	}
	return l, nil
}

// Slog returns the configured slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func openLogFile(dir, service string) (*os.File, error) {
	dir, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}

	if service == "" {
		service = "aura"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

func expandHome(dir string) (string, error) {
	if !strings.HasPrefix(dir, "~") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}
