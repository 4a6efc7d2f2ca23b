// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging bridges log/slog into the pion logging interfaces.
//
// pion/dtls, pion/ice, pion/sctp, and pion/datachannel each take a
// logging.LoggerFactory. NewFactory hands them loggers that write into
// the caller's slog handler with a "scope" attribute naming the pion
// subsystem, so library output interleaves with stage logs in one
// stream. pion's Trace level maps below slog's Debug.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is the slog level used for pion trace output.
const LevelTrace = slog.LevelDebug - 4

// Compile-time interface checks.
var (
	_ logging.LoggerFactory = (*Factory)(nil)
	_ logging.LeveledLogger = (*scopedLogger)(nil)
)

// Factory produces pion loggers backed by a single *slog.Logger.
type Factory struct {
	logger *slog.Logger
}

// NewFactory returns a pion LoggerFactory writing to logger. A nil
// logger discards everything.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: OrDiscard(logger)}
}

// NewLogger returns a pion leveled logger tagged with scope.
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	return &scopedLogger{logger: f.logger.With("scope", scope)}
}

// OrDiscard returns logger, or a logger that drops all records when
// logger is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scopedLogger struct {
	logger *slog.Logger
}

func (l *scopedLogger) log(level slog.Level, message string) {
	l.logger.Log(context.Background(), level, message)
}

func (l *scopedLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *scopedLogger) Trace(message string) { l.log(LevelTrace, message) }
func (l *scopedLogger) Tracef(format string, args ...any) {
	l.logf(LevelTrace, format, args...)
}
func (l *scopedLogger) Debug(message string) { l.log(slog.LevelDebug, message) }
func (l *scopedLogger) Debugf(format string, args ...any) {
	l.logf(slog.LevelDebug, format, args...)
}
func (l *scopedLogger) Info(message string) { l.log(slog.LevelInfo, message) }
func (l *scopedLogger) Infof(format string, args ...any) {
	l.logf(slog.LevelInfo, format, args...)
}
func (l *scopedLogger) Warn(message string) { l.log(slog.LevelWarn, message) }
func (l *scopedLogger) Warnf(format string, args ...any) {
	l.logf(slog.LevelWarn, format, args...)
}
func (l *scopedLogger) Error(message string) { l.log(slog.LevelError, message) }
func (l *scopedLogger) Errorf(format string, args ...any) {
	l.logf(slog.LevelError, format, args...)
}
