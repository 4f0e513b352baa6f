package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/schaermu/dvsync/internal/dataverse"
)

// maxBackoff caps a single retry delay
const maxBackoff = 30 * time.Second

// retrier runs a remote call up to attempts times, backing off exponentially
// from base between attempts. Only transient errors are retried.
type retrier struct {
	attempts int
	base     time.Duration
	logger   *slog.Logger
}

func (r *retrier) backoff(attempt int) time.Duration {
	d := r.base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func (r *retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !dataverse.IsTransient(err) || attempt >= attempts {
			return err
		}

		delay := r.backoff(attempt)
		r.logger.Warn("transient error, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err)

		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
