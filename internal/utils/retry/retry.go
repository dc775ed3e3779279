package retry

import (
	"context"
	"time"
)

// Backoff describes a doubling delay schedule. A zero Multiplier keeps the
// delay fixed at Initial.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry number attempt (0 based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	if b.Multiplier > 1 {
		for i := 0; i < attempt; i++ {
			d *= b.Multiplier
			if b.Max > 0 && d >= float64(b.Max) {
				return b.Max
			}
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Config bounds Do. Attempts counts the first call; values below 1 mean 1.
type Config struct {
	Attempts int
	Backoff  Backoff

	// ShouldRetry reports whether err is worth another attempt. nil retries
	// every error.
	ShouldRetry func(err error) bool
}

// Do calls fn until it succeeds, the attempts are used up, ShouldRetry
// refuses the error, or ctx is done. The last error is returned as is so
// callers can still match it with errors.Is.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if err := Sleep(ctx, cfg.Backoff.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
