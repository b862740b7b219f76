package log

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EndSpanFunc is a function that ends a span.
type EndSpanFunc = func(fields ...Field)

const errorpType = zapcore.InlineMarshalerType + 100

// Errorp is a Field that marks a span as failed if *err is non-nil when the span ends.
func Errorp(err *error) Field {
	return zapcore.Field{
		Key:       "error",
		Type:      errorpType,
		Interface: err,
	}
}

type spanStatus string

const (
	spanStarting spanStatus = "span start"
	spanOK       spanStatus = "span finished ok"
	spanFailed   spanStatus = "span failed"
)

func makeSpanEndFunc(ctx context.Context, l *zap.Logger, event string, start time.Time) EndSpanFunc {
	return func(rawFields ...Field) {
		fields := []zap.Field{zap.Duration("spanDuration", time.Since(start))}
		msg := spanOK
		for _, f := range rawFields {
			if i := f.Interface; i != nil {
				// zap.Error and zap.NamedError.
				if _, ok := i.(error); ok {
					msg = spanFailed
					fields = append(fields, f)
					continue
				}
				if f.Type == errorpType {
					if errp, ok := i.(*error); ok && *errp != nil {
						msg = spanFailed
						fields = append(fields, zap.Error(*errp))
					}
					continue // No errorpType fields should end up in fields.
				}
			}
			fields = append(fields, f)
		}
		if e := l.Check(zapcore.DebugLevel, event+": "+string(msg)); e != nil {
			fields = append(fields, ContextInfo(ctx))
			e.Write(fields...)
		}
	}
}

// SpanContext starts a span: it logs "<event>: span start" at debug level, and returns a context
// whose logger is named after the event along with a function that logs the end of the span.
// Pass an error field (zap.Error, Errorp) to the end function to mark the span as failed; a nil
// error counts as success.
//
// The end function is normally deferred.  The returned context may be used from any goroutine,
// including after the span has ended.
func SpanContext(rctx context.Context, event string, fields ...Field) (context.Context, EndSpanFunc) {
	l := extractLogger(rctx).Named(event).With(fields...)
	if e := l.WithOptions(zap.AddCallerSkip(1)).Check(zapcore.DebugLevel, event+": "+string(spanStarting)); e != nil {
		e.Write(ContextInfo(rctx))
	}
	ctx := withLogger(rctx, l)
	return ctx, makeSpanEndFunc(ctx, l.WithOptions(zap.AddCallerSkip(1)), event, time.Now())
}
