package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "dial", NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return errBoom
		})
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, errBoom)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "dial", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
	})

	t.Run("no retries returns the error unwrapped", func(t *testing.T) {
		err := Retry(ctx, "op", NewFixedDelay(0, 0), func() error { return errBoom })
		assert.Equal(t, errBoom, err)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, "op", NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			return Permanent(errBoom)
		})
		assert.Equal(t, 1, calls)
		assert.ErrorIs(t, err, errBoom)
		assert.False(t, errors.Is(err, ErrMaxRetriesExceeded))
	})

	t.Run("stops when the context ends during backoff", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		err := Retry(ctx, "op", NewFixedDelay(time.Hour, 5), func() error { return errBoom })
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("grows and caps the delay", func(t *testing.T) {
		p := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2, 5)
		p.Jitter = false

		assert.Equal(t, 10*time.Millisecond, p.NextDelay(0))
		assert.Equal(t, 20*time.Millisecond, p.NextDelay(1))
		assert.Equal(t, 40*time.Millisecond, p.NextDelay(2))
		assert.Equal(t, 50*time.Millisecond, p.NextDelay(3))
		assert.Equal(t, 5, p.MaxRetries())
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		p := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for i := 0; i < 50; i++ {
			d := p.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("refuses past the last attempt", func(t *testing.T) {
		p := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2, 1)
		ok, _ := p.ShouldRetry(0, errBoom)
		assert.True(t, ok)
		ok, _ = p.ShouldRetry(1, errBoom)
		assert.False(t, ok)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errBoom, true},
		{"closed transport", transport.ErrClosed, true},
		{"invalid endpoint", contracts.ErrInvalidEndpoint, false},
		{"invalid selector", transport.ErrInvalidSelector, false},
		{"cancelled", context.Canceled, false},
		{"permanent", Permanent(errBoom), false},
		{"explicitly retryable", RetryableError{Err: errBoom, Retryable: true}, true},
		{"non retryable sentinel", ErrNonRetryable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
