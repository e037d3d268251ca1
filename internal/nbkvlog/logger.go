// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package nbkvlog builds the slog.Logger used across nbkv, grounded on the
// teacher's internal/logging package: level/format selection only, no
// session- or file-output concerns since nbkv never writes per-connection
// log files.
package nbkvlog

import (
	"log/slog"
	"os"
	"strings"
)

// New creates a slog.Logger writing to stdout with the given level and
// format. Formats: "json" (default), "text". Levels: "debug", "info"
// (default), "warn", "error".
func New(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
