// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
// Package log wraps log/slog with nil-safe helpers and structured error
// logging used throughout the runtime.
package log

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/aio-protocol/rpcruntime/internal/wallclock"
)

type (
	// Logger is a wrapper around an slog.Logger with additional helpers and
	// nil checking, so components can be constructed without a logger.
	Logger struct{ wrapped *slog.Logger }

	// Attrs represents an error (or other value) that exposes extra slog
	// attributes to log alongside it.
	Attrs interface {
		Attrs() []slog.Attr
	}
)

// Wrap builds a Logger, preferring the first non-nil slog.Logger given.
func Wrap(loggers ...*slog.Logger) Logger {
	for _, l := range loggers {
		if l != nil {
			return Logger{l}
		}
	}
	return Logger{}
}

// Log is designed to build logging wrappers; it should not be called
// directly. See: https://pkg.go.dev/log/slog#hdr-Wrapping_output_methods
func (l Logger) Log(
	ctx context.Context,
	level slog.Level,
	msg string,
	attrs ...slog.Attr,
) {
	if !l.Enabled(ctx, level) {
		return
	}

	now := wallclock.Instance.Now()
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(now, level, msg, pcs[0])
	r.AddAttrs(attrs...)
	_ = l.wrapped.Handler().Handle(ctx, r)
}

// Err logs an error with structured logging, pulling in any Attrs it exposes.
func (l Logger) Err(ctx context.Context, err error, attrs ...slog.Attr) {
	if a, ok := err.(Attrs); ok {
		l.Log(ctx, slog.LevelError, err.Error(), append(a.Attrs(), attrs...)...)
	} else {
		l.Log(ctx, slog.LevelError, err.Error(), attrs...)
	}
}

// Warn logs an error at warning level.
func (l Logger) Warn(ctx context.Context, err error, attrs ...slog.Attr) {
	if a, ok := err.(Attrs); ok {
		l.Log(ctx, slog.LevelWarn, err.Error(), append(a.Attrs(), attrs...)...)
	} else {
		l.Log(ctx, slog.LevelWarn, err.Error(), attrs...)
	}
}

// Info logs a message with structured logging.
func (l Logger) Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelInfo, msg, attrs...)
}

// Debug logs a message with structured logging.
func (l Logger) Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.LevelDebug, msg, attrs...)
}

// Enabled indicates that the logger is enabled for the given logging level.
func (l Logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.wrapped != nil && l.wrapped.Enabled(ctx, level)
}

// Unwrap returns the underlying slog.Logger, or nil if none was set. It lets
// a component's own Logger option take precedence over an Application's
// default logger via Wrap(opts.Logger, app.Log().Unwrap()).
func (l Logger) Unwrap() *slog.Logger {
	return l.wrapped
}
