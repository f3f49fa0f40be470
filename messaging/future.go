package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// FutureState is the lifecycle state of a ResponseFuture
type FutureState int

const (
	// FutureWaiting means no response has arrived and the future was not cancelled
	FutureWaiting FutureState = iota
	// FutureDone means a response was captured
	FutureDone
	// FutureCancelled means the future was cancelled before a response arrived
	FutureCancelled
)

func (s FutureState) String() string {
	switch s {
	case FutureWaiting:
		return "waiting"
	case FutureDone:
		return "done"
	case FutureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FutureOption configures a ResponseFuture
type FutureOption func(*ResponseFuture)

// WithFutureLogger sets the logger for the future
func WithFutureLogger(logger *slog.Logger) FutureOption {
	return func(f *ResponseFuture) {
		f.logger = logger
	}
}

// ResponseFuture holds the single response to a request. It leaves the
// waiting state at most once, either with a value or by cancellation, and
// closes its reply consumer when it does.
type ResponseFuture struct {
	decode Decoder
	logger *slog.Logger

	mu        sync.Mutex
	state     FutureState
	value     contracts.Envelope
	consumer  *ConsumerContext
	callbacks []func(*ResponseFuture)
	done      chan struct{}
}

var _ Listener = (*ResponseFuture)(nil)

// NewResponseFuture creates a waiting future whose responses are decoded with decode
func NewResponseFuture(decode Decoder, opts ...FutureOption) *ResponseFuture {
	f := &ResponseFuture{
		decode: decode,
		logger: slog.Default(),
		state:  FutureWaiting,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *ResponseFuture) bindConsumer(cc *ConsumerContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumer = cc
}

// OnDelivery implements Listener. The first decodable response completes the
// future; later deliveries are dropped.
func (f *ResponseFuture) OnDelivery(_ context.Context, _ *ConsumerContext, msg *transport.Message) {
	if f.isTerminal() {
		f.logger.Debug("dropping response for completed future", "messageId", msg.ID)
		return
	}

	env, ok := receive(f.logger, f.decode, msg)
	if !ok {
		return
	}

	f.mu.Lock()
	if f.state != FutureWaiting {
		f.mu.Unlock()
		f.logger.Debug("dropping response for completed future", "messageId", msg.ID)
		return
	}
	f.value = env
	consumer := f.finishLocked(FutureDone)
	f.mu.Unlock()

	f.closeConsumer(consumer)
	f.notify()
}

// Cancel abandons the wait. It returns false when the future is already done
// or cancelled. Without mayInterrupt there is no safe way to stop a pending
// delivery, so Cancel fails with ErrCannotCancel and the future keeps waiting.
func (f *ResponseFuture) Cancel(mayInterrupt bool) (bool, error) {
	f.mu.Lock()
	if f.state != FutureWaiting {
		f.mu.Unlock()
		return false, nil
	}
	if !mayInterrupt {
		f.mu.Unlock()
		return false, ErrCannotCancel
	}
	consumer := f.finishLocked(FutureCancelled)
	f.mu.Unlock()

	f.closeConsumer(consumer)
	f.notify()
	return true, nil
}

// Get blocks until the future completes or ctx is done. A captured value is
// returned on every call.
func (f *ResponseFuture) Get(ctx context.Context) (contracts.Envelope, error) {
	select {
	case <-f.done:
		return f.result()
	default:
	}

	select {
	case <-f.done:
		return f.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetTimeout waits at most timeout. On expiry it returns ErrResponseTimeout
// and the future keeps waiting.
func (f *ResponseFuture) GetTimeout(timeout time.Duration) (contracts.Envelope, error) {
	select {
	case <-f.done:
		return f.result()
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.result()
	case <-timer.C:
		return nil, ErrResponseTimeout
	}
}

// AddCallback registers fn to run once when the future completes or is
// cancelled. If that already happened fn runs immediately.
func (f *ResponseFuture) AddCallback(fn func(*ResponseFuture)) {
	f.mu.Lock()
	if f.state == FutureWaiting {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.run(fn)
}

// State returns the current state
func (f *ResponseFuture) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the future left the waiting state, by completion or cancellation
func (f *ResponseFuture) IsDone() bool {
	return f.isTerminal()
}

// IsCancelled reports whether the future was cancelled
func (f *ResponseFuture) IsCancelled() bool {
	return f.State() == FutureCancelled
}

func (f *ResponseFuture) isTerminal() bool {
	return f.State() != FutureWaiting
}

// finishLocked moves to a terminal state and returns the consumer to close
func (f *ResponseFuture) finishLocked(state FutureState) *ConsumerContext {
	f.state = state
	close(f.done)
	consumer := f.consumer
	f.consumer = nil
	return consumer
}

func (f *ResponseFuture) result() (contracts.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == FutureCancelled {
		return nil, ErrFutureCancelled
	}
	return f.value, nil
}

func (f *ResponseFuture) closeConsumer(cc *ConsumerContext) {
	if cc == nil {
		return
	}
	if err := cc.Close(); err != nil {
		f.logger.Warn("failed to close reply consumer", "endpoint", cc.Endpoint().String(), "error", err)
	}
}

func (f *ResponseFuture) notify() {
	f.mu.Lock()
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	for _, fn := range callbacks {
		f.run(fn)
	}
}

func (f *ResponseFuture) run(fn func(*ResponseFuture)) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("future callback panicked", "panic", r)
		}
	}()
	fn(f)
}
