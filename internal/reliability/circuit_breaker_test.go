package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

var errBoom = errors.New("boom")

type recordingListener struct {
	mu          sync.Mutex
	transitions []string
}

func (l *recordingListener) OnStateChange(from, to State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, from.String()+"->"+to.String())
}

func (l *recordingListener) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.transitions...)
}

func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errBoom })
	}
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("starts in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		assert.Equal(t, StateClosed, cb.State())
		assert.Equal(t, "default", cb.Name())
	})

	t.Run("executes function in closed state", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		assert.NoError(t, err)
		assert.True(t, executed)
	})

	t.Run("opens after failure threshold and rejects calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithName("dial"))
		fail(cb, 3)
		assert.Equal(t, StateOpen, cb.State())

		called := false
		err := cb.Execute(context.Background(), func() error {
			called = true
			return nil
		})
		assert.False(t, called)

		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateOpen, cbErr.State)
		assert.Equal(t, "dial", cbErr.Name)
		assert.False(t, IsRetryableError(err))
	})

	t.Run("a success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(2))
		fail(cb, 1)
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		fail(cb, 1)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("non-retryable errors are not counted", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		err := cb.Execute(context.Background(), func() error { return contracts.ErrInvalidEndpoint })
		assert.ErrorIs(t, err, contracts.ErrInvalidEndpoint)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open success closes the breaker", func(t *testing.T) {
		listener := &recordingListener{}
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))
		cb.AddListener(listener)

		fail(cb, 1)
		require.Equal(t, StateOpen, cb.State())
		time.Sleep(80 * time.Millisecond)

		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		assert.Equal(t, StateClosed, cb.State())

		assert.Eventually(t, func() bool { return len(listener.seen()) == 3 }, time.Second, 10*time.Millisecond)
		assert.ElementsMatch(t, []string{"closed->open", "open->half-open", "half-open->closed"}, listener.seen())
	})

	t.Run("half-open failure reopens the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))
		fail(cb, 1)
		time.Sleep(80 * time.Millisecond)

		fail(cb, 1)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("half-open admits a limited number of trial calls", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1), WithTimeout(50*time.Millisecond))
		fail(cb, 1)
		time.Sleep(80 * time.Millisecond)

		release := make(chan struct{})
		started := make(chan struct{})
		go func() {
			_ = cb.Execute(context.Background(), func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(context.Background(), func() error { return nil })
		var cbErr *CircuitBreakerError
		require.ErrorAs(t, err, &cbErr)
		assert.Equal(t, StateHalfOpen, cbErr.State)

		close(release)
		assert.Eventually(t, func() bool { return cb.State() == StateClosed }, time.Second, 10*time.Millisecond)
	})

	t.Run("cancelled context skips the call", func(t *testing.T) {
		cb := NewCircuitBreaker()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, func() error {
			t.Fatal("must not run")
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("reset closes and clears", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))
		fail(cb, 1)
		cb.Reset()

		m := cb.Metrics()
		assert.Equal(t, StateClosed, m.State)
		assert.Equal(t, 0, m.CurrentFailures)
		assert.Equal(t, int64(1), m.TotalFailures)
		assert.Equal(t, int64(1), m.TotalRequests)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
