// Package log provides context-scoped structured logging for datumfetch.
//
// Every blocking operation in this module receives a context.Context, and that context carries
// the logger.  Code logs with log.Debug(ctx, ...), log.Info(ctx, ...), and log.Error(ctx, ...);
// loggers are narrowed with ChildLogger and spans (see span.go).  A context without a logger is a
// programming error; in development builds it panics, and in production the global logger is
// used after a DPanic message is emitted.
package log

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Field is a typed log field.
type Field = zap.Field

type loggerKey struct{}

// AddLogger returns a context that logs to the global logger.  Binaries call this once on their
// root context, after InitLogger.
func AddLogger(ctx context.Context) context.Context {
	return withLogger(ctx, zap.L())
}

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	if l == nil {
		zap.L().DPanic("log: internal error: nil logger provided to withLogger")
		l = zap.L()
	}
	return context.WithValue(ctx, loggerKey{}, l)
}

func extractLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		zap.L().WithOptions(zap.AddCallerSkip(2)).DPanic("log: internal error: nil context provided to ExtractLogger")
		return zap.L()
	}
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	zap.L().WithOptions(zap.AddCallerSkip(2)).DPanic("log: internal error: no logger in provided context")
	return zap.L()
}

// LogOption modifies the logger in a child context.
type LogOption func(l *zap.Logger) *zap.Logger

// WithFields adds fields to every message logged with the child context.
func WithFields(fields ...Field) LogOption {
	return func(l *zap.Logger) *zap.Logger {
		return l.With(fields...)
	}
}

// WithOptions applies zap options to the child logger.
func WithOptions(opts ...zap.Option) LogOption {
	return func(l *zap.Logger) *zap.Logger {
		return l.WithOptions(opts...)
	}
}

// ChildLogger returns a context whose logger is named "parent.name" (or unchanged when name is
// empty) and has the provided options applied.
func ChildLogger(ctx context.Context, name string, opts ...LogOption) context.Context {
	l := extractLogger(ctx)
	if name != "" {
		l = l.Named(name)
	}
	for _, opt := range opts {
		l = opt(l)
	}
	return withLogger(ctx, l)
}

// Debug logs a message at level debug.
func Debug(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info logs a message at level info.
func Info(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Error logs a message at level error.  Use this for failures that an operator should look at,
// not for every returned error.
func Error(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// ContextInfo is a Field describing the context's deadline, if any.
func ContextInfo(ctx context.Context) Field {
	if ctx == nil {
		return zap.Skip()
	}
	if dl, ok := ctx.Deadline(); ok {
		return zap.Duration("deadline", time.Until(dl))
	}
	return zap.Skip()
}
