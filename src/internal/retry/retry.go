// Package retry runs an operation until it succeeds, fails permanently, or runs out of attempts,
// sleeping an exponentially growing, capped delay between attempts.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pachyderm/datumfetch/src/internal/errors"
	"github.com/pachyderm/datumfetch/src/internal/log"
)

// Config bounds a retry loop.  The delay after failed attempt n (1-indexed) is
// min(BaseDelay * 2^(n-1), MaxDelay); there is no jitter.
type Config struct {
	MaxAttempts int           `env:"FETCH_MAX_ATTEMPTS,default=5"`
	BaseDelay   time.Duration `env:"FETCH_BASE_DELAY,default=2s"`
	MaxDelay    time.Duration `env:"FETCH_MAX_DELAY,default=60s"`
}

// DefaultConfig is 5 attempts, starting at 2s and capped at 60s.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}
}

// Validate returns an error if c cannot describe a retry loop.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return errors.Errorf("retry: max attempts must be at least 1, got %d", c.MaxAttempts)
	case c.BaseDelay <= 0:
		return errors.Errorf("retry: base delay must be positive, got %v", c.BaseDelay)
	case c.MaxDelay < c.BaseDelay:
		return errors.Errorf("retry: max delay %v is less than base delay %v", c.MaxDelay, c.BaseDelay)
	}
	return nil
}

// Delay returns the wait after failed attempt n (1-indexed).
func (c Config) Delay(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < attempt; i++ {
		if d >= c.MaxDelay/2 {
			return c.MaxDelay
		}
		d *= 2
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetriesExhaustedError is returned when every attempt failed with a retryable error.  Err is the
// last of those errors.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// NotifyFunc is called after each failed attempt that will be retried, with the 1-indexed attempt
// number, its error, and the delay before the next attempt.
type NotifyFunc func(attempt int, err error, next time.Duration)

type options struct {
	timer  backoff.Timer
	notify []NotifyFunc
}

// Option configures Do.
type Option func(*options)

// WithTimer makes Do wait on t instead of a real timer.
func WithTimer(t backoff.Timer) Option {
	return func(o *options) { o.timer = t }
}

// WithNotify adds a hook that observes retries.
func WithNotify(f NotifyFunc) Option {
	return func(o *options) { o.notify = append(o.notify, f) }
}

// Do calls op until it returns nil, returns an error for which isRetryable is false, or has been
// called cfg.MaxAttempts times.  Delays happen only between attempts, never after the last one.
//
// A non-retryable error is returned unchanged.  When attempts run out, the last error is returned
// inside a *RetriesExhaustedError.  If ctx ends while waiting, ctx.Err() is returned.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, isRetryable func(error) bool, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var (
		attempts int
		lastErr  error
	)
	b := backoff.WithMaxRetries(backoff.WithContext(cfg.backOff(), ctx), uint64(cfg.MaxAttempts-1))
	err := backoff.RetryNotifyWithTimer(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		log.Info(ctx, "retrying after transient error", log.RetryAttempt(attempts-1, cfg.MaxAttempts), zap.Duration("delay", next), zap.Error(err))
		for _, f := range o.notify {
			f(attempts, err, next)
		}
	}, o.timer)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && !errors.Is(err, lastErr):
		return errors.EnsureStack(err)
	case attempts >= cfg.MaxAttempts && lastErr != nil && isRetryable(lastErr):
		return &RetriesExhaustedError{Attempts: attempts, Err: lastErr}
	}
	return err //nolint:wrapcheck
}
