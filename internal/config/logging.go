// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return l, nil
}

// Logging is a configured logger whose level can change at runtime.
type Logging struct {
	Logger *slog.Logger
	Level  *slog.LevelVar
	closer io.Closer
}

// Close releases the log file, if any.
func (l *Logging) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Apply updates the runtime level from cfg.
func (l *Logging) Apply(cfg LogConfig) {
	if lvl, err := ParseLevel(cfg.Level); err == nil {
		l.Level.Set(lvl)
	}
}

// NewLogging builds the process logger. With cfg.File set, output goes to a
// size-rotated file instead of console.
func NewLogging(cfg LogConfig, console io.Writer) (*Logging, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	out := console
	var closer io.Closer
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out, closer = rot, rot
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Format {
	case "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		h = slog.NewTextHandler(out, opts)
	}
	return &Logging{Logger: slog.New(h), Level: level, closer: closer}, nil
}
