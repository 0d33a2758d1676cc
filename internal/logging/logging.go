// Package logging wires structured logging behind a rotating file
// sink.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// File is the log file path; empty means stderr only (no rotation).
	File       string
	MaxSizeMB  int
	MaxBackups int
	Level      slog.Level
}

// New builds a slog.Logger writing JSON lines to Options.File, rotated
// by lumberjack once it exceeds MaxSizeMB, with a human-readable
// fallback to stderr when File is empty (e.g. interactive CLI use).
func New(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxOr(opts.MaxSizeMB, 10),
			MaxBackups: maxOr(opts.MaxBackups, 3),
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(lj, handlerOpts))
	}

	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func maxOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
