package log

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type obj struct{ x string }

func (o obj) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(o.x, "exists") // confusing ordering so that obj{"foo"} results in obj:{"foo":"exists"}
	return nil
}

type arr []int

func (a arr) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, x := range a {
		enc.AppendInt(x)
	}
	return nil
}

type stringer string

func (s stringer) String() string {
	return "stringer<" + string(s) + ">"
}

func TestSpan(t *testing.T) {
	testData := []struct {
		name     string
		f        func(ctx context.Context) error
		want     []string
		wantKeys []string
	}{
		{
			name: "simple success",
			f: func(ctx context.Context) error {
				ctx, end := SpanContext(ctx, "x")
				defer end()
				Debug(ctx, "running")
				return nil
			},
			want:     []string{"x: debug: x: span start", "x: debug: running", "x: debug: x: span finished ok"},
			wantKeys: []string{"caller", "caller", "caller,spanDuration"},
		},
		{
			name: "span nesting",
			f: func(rctx context.Context) error {
				Debug(rctx, "this is a test")
				ctxA, endA := SpanContext(rctx, "a", zap.String("ctx", "A"))
				Debug(ctxA, "this is part of a")
				ctxB, endB := SpanContext(ctxA, "b", zap.String("ctx", "B"))
				Info(ctxB, "this is part of b")
				endB()
				endA()
				return nil
			},
			want: []string{
				"debug: this is a test",
				"a: debug: a: span start",
				"a: debug: this is part of a",
				"a.b: debug: b: span start",
				"a.b: info: this is part of b",
				"a.b: debug: b: span finished ok",
				"a: debug: a: span finished ok",
			},
			wantKeys: []string{"caller", "caller,ctx", "caller,ctx", "caller,ctx", "caller,ctx", "caller,ctx,spanDuration", "caller,ctx,spanDuration"},
		},
		{
			name: "simple error",
			f: func(ctx context.Context) error {
				_, end := SpanContext(ctx, "x")
				end(zap.Error(errors.New("hi")))
				return nil
			},
			want: []string{
				"x: debug: x: span start",
				"x: debug: x: span failed",
			},
			wantKeys: []string{"caller", "caller,error,spanDuration"},
		},
		{
			name: "simple nil error",
			f: func(ctx context.Context) error {
				_, end := SpanContext(ctx, "x")
				end(zap.Error(nil))
				return nil
			},
			want: []string{
				"x: debug: x: span start",
				"x: debug: x: span finished ok",
			},
			wantKeys: []string{"caller", "caller,spanDuration"},
		},
		{
			name: "simple namederror",
			f: func(ctx context.Context) error {
				_, end := SpanContext(ctx, "x")
				end(zap.NamedError("totally_not_a_failure", errors.New("hi")))
				return nil
			},
			want: []string{
				"x: debug: x: span start",
				"x: debug: x: span failed",
			},
			wantKeys: []string{"caller", "caller,spanDuration,totally_not_a_failure"},
		},
		{
			name: "errorp; success",
			f: func(ctx context.Context) (err error) {
				_, end := SpanContext(ctx, "x")
				defer end(Errorp(&err))
				Debug(ctx, "hi")
				return nil
			},
			want: []string{
				"x: debug: x: span start",
				"debug: hi",
				"x: debug: x: span finished ok",
			},
			wantKeys: []string{"caller", "caller", "caller,spanDuration"},
		},
		{
			name: "errorp; failure",
			f: func(ctx context.Context) (err error) {
				_, end := SpanContext(ctx, "x")
				defer end(Errorp(&err))
				Debug(ctx, "hi")
				return errors.New("failed")
			},
			want: []string{
				"x: debug: x: span start",
				"debug: hi",
				"x: debug: x: span failed",
			},
			wantKeys: []string{"caller", "caller", "caller,error,spanDuration"},
		},
		{
			name: "extra fields are kept",
			f: func(ctx context.Context) error {
				n := 3
				_, end := SpanContext(ctx, "x", zap.String("datum", "d42"))
				defer end(
					zap.Int("files", n),
					zap.Intp("filesp", &n),
					zap.Object("object", obj{"object"}),
					zap.Array("array", arr{1, 2, 3}),
					zap.Stringer("stringer", stringer("hello")),
					zap.Duration("duration", time.Minute),
					zap.Error(errors.New("failed")),
					zap.Skip(),
				)
				return nil
			},
			want: []string{
				"x: debug: x: span start",
				"x: debug: x: span failed",
			},
			wantKeys: []string{
				"caller,datum",
				"array,caller,datum,duration,error,files,filesp,object,spanDuration,stringer",
			},
		},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			ctx, h := testWithCaptureParallel(t, zap.Development())
			test.f(ctx) //nolint:errcheck // errors are only returned to exercise Errorp
			if diff := cmp.Diff(formatLogs(h.Logs(), simple), test.want); diff != "" {
				t.Errorf("logs (-got +want):\n%s", diff)
			}
			if diff := cmp.Diff(formatLogs(h.Logs(), keys), test.wantKeys); diff != "" {
				t.Errorf("log keys (-got +want):\n%s", diff)
			}
			var dump bool
			for i, l := range h.Logs() {
				if !strings.HasPrefix(l.Caller, "log/span_test.go:") {
					t.Errorf("line %d: caller:\n  got:  %v\n want: ^log/span_test.go:", i+1, l.Caller)
					dump = true
				}
			}
			if dump {
				for i, l := range h.Logs() {
					t.Logf("line %d: %s", i+1, l.Orig)
				}
			}
		})
	}
}

func TestDeadlineSpan(t *testing.T) {
	ctx, c := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer c()
	ctx = TestParallel(ctx, t)
	sctx, done := SpanContext(ctx, "Test", zap.String("string", "string"))
	Info(sctx, "before")
	<-ctx.Done()
	Info(sctx, "after")
	done()
}
