package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryConfig controls [Retry].
type RetryConfig struct {
	// Attempts is the total number of calls, including the first.
	// Default: 3.
	Attempts int

	// Delay is the fixed pause between attempts. Default: 1s.
	Delay time.Duration

	// Name labels log lines.
	Name string
}

// DefaultRetryConfig returns three attempts one second apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Delay: time.Second}
}

// Permanent marks err as not worth retrying. [Retry] returns the wrapped
// error unchanged. Permanent(nil) is nil.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a [Permanent] error, ctx is
// done, or the attempts are exhausted. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for calls that produce a value.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (R, error)) (R, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}

	var (
		attempt int
		last    error
	)
	result, err := backoff.Retry(ctx, func() (R, error) {
		attempt++
		r, err := fn(ctx)
		last = err
		return r, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(cfg.Delay)),
		backoff.WithMaxTries(uint(cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("retrying after failure", "op", cfg.Name, "attempt", attempt, "err", err, "next", next)
		}),
	)
	if err == nil {
		return result, nil
	}

	var zero R
	var perm *backoff.PermanentError
	switch {
	case errors.As(err, &perm):
		// The final attempt's permanent error is returned still wrapped.
		return zero, perm.Unwrap()
	case ctx.Err() != nil && last != nil && !errors.Is(err, last):
		return zero, errors.Join(last, err)
	case attempt >= cfg.Attempts:
		return zero, fmt.Errorf("resilience: %d attempts failed: %w", cfg.Attempts, err)
	}
	return zero, err
}
