package pctx

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pachyderm/datumfetch/src/internal/log"
)

// Background returns the root context for a process.  InitLogger should already have been
// called.
func Background(process string) context.Context {
	ctx := log.AddLogger(context.Background())
	return Child(ctx, process)
}

// Option is an option for customizing a child context.
type Option struct {
	modifyLogger log.LogOption
}

// WithInvocationID generates a random ID that appears on each log produced by the child.  Useful
// for telling apart the logs of several fetches that share a log stream.
func WithInvocationID() Option {
	return Option{
		modifyLogger: log.WithFields(zap.String("invocationId", uuid.NewString())),
	}
}

// WithFields returns a context that includes additional fields that appear on each log line.
func WithFields(fields ...zap.Field) Option {
	return Option{
		modifyLogger: log.WithFields(fields...),
	}
}

// WithOptions returns a context that modifies the logger with additional Zap options.
func WithOptions(opts ...zap.Option) Option {
	return Option{
		modifyLogger: log.WithOptions(opts...),
	}
}

// Child returns a named child context, with additional options.  The new name can be empty.
func Child(ctx context.Context, name string, opts ...Option) context.Context {
	var logOptions []log.LogOption
	for _, opt := range opts {
		if o := opt.modifyLogger; o != nil {
			logOptions = append(logOptions, o)
		}
	}
	return log.ChildLogger(ctx, name, logOptions...)
}

// TestContext returns a context for tests.  It logs to t and is canceled when the test ends.
func TestContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(log.Test(t))
	t.Cleanup(cancel)
	return ctx
}
