package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"astergrid/logger"
	"astergrid/metrics"
	"astergrid/trader/types"

	"github.com/jpillora/backoff"
)

// RetryPolicy bounds retries of transient exchange failures
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy three attempts, 1s doubling, capped at 60s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}
}

// Do runs fn until it succeeds, fails permanently or the attempts run out.
// Exhaustion returns an error wrapping both types.ErrRetriesExhausted and the last failure.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !types.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt, err)
		metrics.ExchangeRetries.WithLabelValues(op).Inc()
		logger.Warnf("[Aster] %s failed (attempt %d/%d): %v, retrying in %s", op, attempt+1, attempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s: %w: %w", op, types.ErrRetriesExhausted, lastErr)
}

// Delay is the wait before retry number attempt+1: base doubling per
// attempt, replaced by the server hint on rate limits, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = time.Duration(math.MaxInt64)
	}
	b := &backoff.Backoff{Min: p.BaseDelay, Max: ceiling, Factor: 2}
	d := b.ForAttempt(float64(attempt))

	var rl *types.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		d = rl.RetryAfter
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
