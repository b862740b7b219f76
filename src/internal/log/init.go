package log

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// Formats accepted by InitLogger.
const (
	FormatAuto    = "auto"
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ParseLevel converts a level name like "debug" or "INFO" into a zap level.  The empty string
// means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel, errors.Wrapf(err, "parse log level %q", s)
	}
	return lvl, nil
}

// InitLogger replaces the global logger with one that writes to stderr at the provided level.
// With FormatAuto, a terminal gets the console encoder and anything else gets JSON.  The
// standard library's log package is redirected to the new logger.
func InitLogger(level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	var enc zapcore.Encoder
	switch format {
	case "", FormatAuto:
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			enc = zapcore.NewConsoleEncoder(minimalConsoleEncoder)
		} else {
			enc = zapcore.NewJSONEncoder(workerEncoder)
		}
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(workerEncoder)
	case FormatConsole:
		enc = zapcore.NewConsoleEncoder(minimalConsoleEncoder)
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	l := zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(lvl)), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	zap.ReplaceGlobals(l)
	zap.RedirectStdLog(l)
	return nil
}
