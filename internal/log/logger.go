// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log builds the structured slog loggers used across smartjobs.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug. Per-status-update logging uses it.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
const (
	// JobIDKey is the field key for cmdlet (job) identifiers.
	JobIDKey = "job_id"
	// ActionIDKey is the field key for action identifiers.
	ActionIDKey = "action_id"
	// RuleIDKey is the field key for owning rule identifiers.
	RuleIDKey = "rule_id"
	// StateKey is the field key for job states.
	StateKey = "state"
	// HostKey is the field key for executing host ids.
	HostKey = "host"
	// ComponentKey is the field key for the emitting component.
	ComponentKey = "component"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
)

// Config holds the logging configuration.
type Config struct {
	// Level is one of trace, debug, info, warn or error. Empty means info.
	Level string

	// Format defaults to JSON.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer

	AddSource bool
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = &Config{}
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string level to slog.Level. Unknown levels map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrDefault(logger).With(ComponentKey, component)
}

// WithJob returns a new logger carrying job and rule identifiers.
func WithJob(logger *slog.Logger, jobID, ruleID int64) *slog.Logger {
	l := OrDefault(logger).With(slog.Int64(JobIDKey, jobID))
	if ruleID != 0 {
		l = l.With(slog.Int64(RuleIDKey, ruleID))
	}
	return l
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Trace logs a message at trace level with optional attributes.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
