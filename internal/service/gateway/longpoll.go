package gateway

import (
	"context"
	"e2e_paste/internal/utils/retry"
	"time"
)

type PollConfig struct {
	// Delay between successful fetches.
	Delay time.Duration

	// Backoff after failed fetches; the attempt count resets on success.
	Backoff retry.Backoff

	// OnError is told about every failure and the wait before the next try.
	OnError func(err error, wait time.Duration)
}

// LongPoll calls fetch until ctx is done. It returns nil on cancellation.
func LongPoll(ctx context.Context, cfg PollConfig, fetch func(ctx context.Context) error) error {
	failures := 0
	for ctx.Err() == nil {
		wait := cfg.Delay
		if err := fetch(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait = cfg.Backoff.Delay(failures)
			failures++
			if cfg.OnError != nil {
				cfg.OnError(err, wait)
			}
		} else {
			failures = 0
		}

		if err := retry.Sleep(ctx, wait); err != nil {
			break
		}
	}
	return nil
}
