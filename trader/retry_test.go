package trader

import (
	"context"
	"errors"
	"testing"
	"time"

	"astergrid/trader/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 60 * time.Second}

	tests := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first retry", 0, errors.New("x"), time.Second},
		{"doubles", 2, errors.New("x"), 4 * time.Second},
		{"capped", 10, errors.New("x"), 60 * time.Second},
		{"server hint wins", 0, &types.RateLimitError{RetryAfter: 7 * time.Second}, 7 * time.Second},
		{"server hint capped", 0, &types.RateLimitError{RetryAfter: 5 * time.Minute}, 60 * time.Second},
		{"zero hint falls back", 1, &types.RateLimitError{}, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Delay(tt.attempt, tt.err))
		})
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	transient := &types.APIError{Status: 503, Message: "busy"}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("exhausted keeps the last error", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return transient
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrRetriesExhausted)
		var apiErr *types.APIError
		assert.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error returns at once", func(t *testing.T) {
		calls := 0
		err := p.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return &types.ValidationError{Op: "op", Reason: "bad qty"}
		})
		require.Error(t, err)
		assert.True(t, types.IsValidation(err))
		assert.NotErrorIs(t, err, types.ErrRetriesExhausted)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops waiting", func(t *testing.T) {
		slow := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		done := make(chan error, 1)
		go func() {
			done <- slow.Do(ctx, "op", func(ctx context.Context) error {
				calls++
				return transient
			})
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("retry loop did not observe cancellation")
		}
		assert.Equal(t, 1, calls)
	})
}
