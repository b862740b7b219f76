package log

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type formatter func(*ParsedLog) string

func simple(l *ParsedLog) string { return l.String() }

func keys(l *ParsedLog) string { return strings.Join(l.SortedKeys(), ",") }

func formatLogs(logs []*ParsedLog, f formatter) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = f(l)
	}
	return out
}

func testWithCaptureParallel(t *testing.T, opts ...zap.Option) (context.Context, *History) {
	t.Helper()
	l, h := newTestLogger(t, opts...)
	return withLogger(context.Background(), l), h
}
