package reliability

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-bus/transport"
)

// ConnectionFactory decorates a transport.ConnectionFactory with retries
// and an optional circuit breaker around CreateConnection
type ConnectionFactory struct {
	next    transport.ConnectionFactory
	policy  RetryPolicy
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewConnectionFactory wraps next. A nil policy disables retries and a nil
// breaker disables the breaker.
func NewConnectionFactory(next transport.ConnectionFactory, policy RetryPolicy, breaker *CircuitBreaker, logger *slog.Logger) *ConnectionFactory {
	if policy == nil {
		policy = NewFixedDelay(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionFactory{
		next:    next,
		policy:  policy,
		breaker: breaker,
		logger:  logger,
	}
}

// CreateConnection implements transport.ConnectionFactory
func (f *ConnectionFactory) CreateConnection(ctx context.Context) (transport.Connection, error) {
	var conn transport.Connection
	attempt := 0

	err := Retry(ctx, "create connection", f.policy, func() error {
		attempt++
		c, err := f.dial(ctx)
		if err != nil {
			f.logger.Warn("connection attempt failed", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (f *ConnectionFactory) dial(ctx context.Context) (transport.Connection, error) {
	if f.breaker == nil {
		return f.next.CreateConnection(ctx)
	}

	var conn transport.Connection
	err := f.breaker.Execute(ctx, func() error {
		c, err := f.next.CreateConnection(ctx)
		conn = c
		return err
	})
	return conn, err
}
