package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"github.com/0x0Glitch/Anthias-risk-monitoring/internal/storage"
)

// ErrUpdateLost is returned when a write is dropped after the retry budget.
var ErrUpdateLost = errors.New("update lost")

// RetryPolicy bounds retries of writes that failed with storage.ErrUnavailable.
type RetryPolicy struct {
	Attempts int // total attempts including the first
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DefaultRetryPolicy is used for zero fields.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	MinDelay: 100 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.MinDelay <= 0 {
		p.MinDelay = DefaultRetryPolicy.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
		if p.MaxDelay < p.MinDelay {
			p.MaxDelay = p.MinDelay
		}
	}
	return p
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Only storage.ErrUnavailable is retried.
func (g *Gateway) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := &backoff.Backoff{
		Min:    g.retryPolicy.MinDelay,
		Max:    g.retryPolicy.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrUnavailable) || attempt >= g.retryPolicy.Attempts {
			break
		}

		g.metrics.RecordStorageRetry()
		delay := b.Duration()
		g.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("storage unavailable, retrying")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}

	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %v", ErrUpdateLost, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
