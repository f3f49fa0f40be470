package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
)

// ErrHandlerTimeout is returned when a handler outlives TimeoutInterceptor's limit
var ErrHandlerTimeout = errors.New("interceptors: handler timed out")

// Next continues the chain with the following interceptor or the handler
type Next func(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error)

// Interceptor processes envelopes before they reach the final handler
type Interceptor interface {
	// Intercept processes msg and usually calls next
	Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		logger: logger,
	}
}

// Add appends an interceptor. Interceptors run in the order they were added.
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors in the chain
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Execute runs msg through the chain and into final
func (c *InterceptorChain) Execute(ctx context.Context, msg contracts.Envelope, final Next) (contracts.Envelope, error) {
	next := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		current := next
		next = func(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error) {
			return interceptor.Intercept(ctx, msg, current)
		}
	}
	return next(ctx, msg)
}

// Wrap returns a handler that decodes with h and handles through the chain.
// Later changes to the chain are not seen by handlers already wrapped.
func (c *InterceptorChain) Wrap(h messaging.Handler) messaging.Handler {
	snapshot := &InterceptorChain{
		interceptors: append([]Interceptor(nil), c.interceptors...),
		logger:       c.logger,
	}
	return &chainedHandler{chain: snapshot, handler: h}
}

type chainedHandler struct {
	chain   *InterceptorChain
	handler messaging.Handler
}

func (h *chainedHandler) Decode(body []byte) (contracts.Envelope, error) {
	return h.handler.Decode(body)
}

func (h *chainedHandler) Handle(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error) {
	return h.chain.Execute(ctx, msg, h.handler.Handle)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", msg.MessageID().String(),
		"correlationId", msg.CorrelationID().String(),
	)

	resp, err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.MessageID().String(),
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed",
			"messageId", msg.MessageID().String(),
			"duration", duration,
			"replied", resp != nil,
		)
	}

	return resp, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run. The
// handler keeps running in the background after the limit; its result is
// discarded.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerResult struct {
	resp contracts.Envelope
	err  error
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		resp, err := next(timeoutCtx, msg)
		done <- handlerResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("%w after %v for message %s", ErrHandlerTimeout, i.timeout, msg.MessageID())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg contracts.Envelope) error
}

// ValidatorFunc is a function adapter for MessageValidator
type ValidatorFunc func(ctx context.Context, msg contracts.Envelope) error

// Validate implements MessageValidator
func (f ValidatorFunc) Validate(ctx context.Context, msg contracts.Envelope) error {
	return f(ctx, msg)
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return nil, fmt.Errorf("message validation failed: %w", err)
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// RetryInterceptor repeats a failing handler call with exponential backoff.
// Wrap an error with Permanent to stop retrying it.
type RetryInterceptor struct {
	policy reliability.RetryPolicy
	logger *slog.Logger
}

// NewRetryInterceptor retries up to maxRetries times, backing off from
// initial to max
func NewRetryInterceptor(maxRetries int, initial, max time.Duration, logger *slog.Logger) *RetryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryInterceptor{
		policy: reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries),
		logger: logger,
	}
}

// Intercept implements Interceptor
func (i *RetryInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	var resp contracts.Envelope
	attempt := 0

	err := reliability.Retry(ctx, "handle "+msg.MessageID().String(), i.policy, func() error {
		attempt++
		r, err := next(ctx, msg)
		if err != nil {
			i.logger.Warn("handler attempt failed",
				"messageId", msg.MessageID().String(),
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Name implements Interceptor
func (i *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}

// Permanent marks a handler error as not worth retrying
func Permanent(err error) error {
	return reliability.Permanent(err)
}

// CircuitBreakerInterceptor rejects envelopes without calling the handler
// while the handler keeps failing
type CircuitBreakerInterceptor struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerInterceptor opens after threshold consecutive failures
// and stays open for cooldown
func NewCircuitBreakerInterceptor(name string, threshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreakerInterceptor {
	opts := []reliability.CircuitBreakerOption{
		reliability.WithName(name),
		reliability.WithFailureThreshold(threshold),
		reliability.WithTimeout(cooldown),
	}
	if logger != nil {
		opts = append(opts, reliability.WithLogger(logger))
	}
	return &CircuitBreakerInterceptor{breaker: reliability.NewCircuitBreaker(opts...)}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
	var resp contracts.Envelope
	err := i.breaker.Execute(ctx, func() error {
		r, err := next(ctx, msg)
		resp = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Open reports whether the breaker is currently rejecting calls
func (i *CircuitBreakerInterceptor) Open() bool {
	return i.breaker.State() == reliability.StateOpen
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}
