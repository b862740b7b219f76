package log

import (
	"bufio"
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// ParsedLog is one line captured by a History.
type ParsedLog struct {
	Orig     string
	Severity string
	Logger   string
	Caller   string
	Message  string
	// Keys holds every field other than the ones above.
	Keys map[string]any
}

// History records JSON log lines for later inspection.
type History struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var _ zapcore.WriteSyncer = (*History)(nil)

// Write implements io.Writer.
func (h *History) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf.Write(p) //nolint:wrapcheck
}

// Sync implements zapcore.WriteSyncer.
func (h *History) Sync() error { return nil }

// Logs returns every line logged so far.  Lines that fail to parse are returned with only Orig
// set.
func (h *History) Logs() []*ParsedLog {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*ParsedLog
	s := bufio.NewScanner(bytes.NewReader(h.buf.Bytes()))
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for s.Scan() {
		line := s.Text()
		l := &ParsedLog{Orig: line, Keys: map[string]any{}}
		raw := map[string]any{}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(line, &raw); err != nil {
			result = append(result, l)
			continue
		}
		for k, v := range raw {
			str, _ := v.(string)
			switch k {
			case "time":
			case "severity":
				l.Severity = str
			case "logger":
				l.Logger = str
			case "caller":
				l.Caller = str
				l.Keys[k] = v
			case "message":
				l.Message = str
			default:
				l.Keys[k] = v
			}
		}
		result = append(result, l)
	}
	return result
}

// String renders the line as "logger: severity: message", omitting the logger when unnamed.
func (l *ParsedLog) String() string {
	if l.Logger == "" {
		return l.Severity + ": " + l.Message
	}
	return l.Logger + ": " + l.Severity + ": " + l.Message
}

// SortedKeys returns the names of the line's fields in sorted order.
func (l *ParsedLog) SortedKeys() []string {
	keys := make([]string, 0, len(l.Keys))
	for k := range l.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasMessage reports whether any captured line has the provided message.
func (h *History) HasMessage(msg string) bool {
	for _, l := range h.Logs() {
		if l.Message == msg {
			return true
		}
	}
	return false
}

func newTestLogger(t testing.TB, opts ...zap.Option) (*zap.Logger, *History) {
	t.Helper()
	h := new(History)
	capture := zapcore.NewCore(zapcore.NewJSONEncoder(testEncoder), h, zapcore.DebugLevel)
	tlog := zaptest.NewLogger(t, zaptest.Level(zapcore.DebugLevel)).Core()
	opts = append([]zap.Option{zap.AddCaller()}, opts...)
	return zap.New(zapcore.NewTee(capture, tlog), opts...), h
}

// TestWithCapture returns a context that logs to t and to the returned History.  The global
// logger and the standard library logger are redirected for the duration of the test, so it must
// not be used by parallel tests.
func TestWithCapture(t testing.TB, opts ...zap.Option) (context.Context, *History) {
	t.Helper()
	l, h := newTestLogger(t, opts...)
	t.Cleanup(zap.ReplaceGlobals(l))
	t.Cleanup(zap.RedirectStdLog(l))
	return withLogger(context.Background(), l), h
}

// TestParallel attaches a logger that logs to t onto ctx, leaving the globals alone.
func TestParallel(ctx context.Context, t testing.TB, opts ...zap.Option) context.Context {
	t.Helper()
	l, _ := newTestLogger(t, opts...)
	return withLogger(ctx, l)
}

// Test returns a background context that logs to t.
func Test(t testing.TB, opts ...zap.Option) context.Context {
	t.Helper()
	return TestParallel(context.Background(), t, opts...)
}
