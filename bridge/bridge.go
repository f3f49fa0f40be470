package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/reliability"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/transport"
)

var (
	// ErrBridgeClosed is returned for requests on a closed bridge
	ErrBridgeClosed = errors.New("bridge: closed")
	// ErrTooManyPending is returned when the pending request limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")
)

// pendingRequest is a caller waiting for the response with its correlation id
type pendingRequest struct {
	id       string
	decode   messaging.Decoder
	response chan contracts.Envelope
	deadline time.Time
	cancel   context.CancelFunc
}

// SyncAsyncBridge enables synchronous request-response over one shared reply queue
type SyncAsyncBridge struct {
	factory   *messaging.ContextFactory
	processor *messaging.MessageProcessor
	replies   *messaging.ConsumerContext

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool

	circuitBreaker *reliability.CircuitBreaker
	retryPolicy    reliability.RetryPolicy
	maxPending     int
	defaultTimeout time.Duration
	logger         *slog.Logger

	cleanupTicker *time.Ticker
	done          chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// BridgeOption configures the sync-async bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	CleanupInterval    time.Duration
	CircuitBreaker     *reliability.CircuitBreaker
	RetryPolicy        reliability.RetryPolicy
	MaxPendingRequests int
	DefaultTimeout     time.Duration
	Logger             *slog.Logger
}

// WithCleanupInterval sets the interval for cleaning up expired requests
func WithCleanupInterval(interval time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.CleanupInterval = interval
	}
}

// WithCircuitBreaker stops sending requests for cooldown after threshold
// consecutive send failures
func WithCircuitBreaker(threshold int, cooldown time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = reliability.NewCircuitBreaker(
			reliability.WithName("bridge"),
			reliability.WithFailureThreshold(threshold),
			reliability.WithTimeout(cooldown),
		)
	}
}

// WithSendRetry retries a failed send up to maxRetries times
func WithSendRetry(maxRetries int, initial, max time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
	}
}

// WithMaxPendingRequests sets the maximum number of concurrent pending requests
func WithMaxPendingRequests(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingRequests = max
	}
}

// WithDefaultTimeout sets the timeout used when Request gets zero
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithLogger sets the bridge logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}

// NewSyncAsyncBridge allocates the shared reply queue and starts listening on it
func NewSyncAsyncBridge(ctx context.Context, factory *messaging.ContextFactory, processor *messaging.MessageProcessor, opts ...BridgeOption) (*SyncAsyncBridge, error) {
	if factory == nil {
		return nil, fmt.Errorf("factory cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	config := &BridgeConfig{
		CleanupInterval:    30 * time.Second,
		MaxPendingRequests: 1000,
		DefaultTimeout:     30 * time.Second,
		Logger:             slog.Default(),
	}

	for _, opt := range opts {
		opt(config)
	}

	replies, err := factory.CreateConsumerContext(ctx, contracts.TemporaryQueue, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create reply queue: %w", err)
	}

	b := &SyncAsyncBridge{
		factory:        factory,
		processor:      processor,
		replies:        replies,
		pending:        make(map[string]*pendingRequest),
		circuitBreaker: config.CircuitBreaker,
		retryPolicy:    config.RetryPolicy,
		maxPending:     config.MaxPendingRequests,
		defaultTimeout: config.DefaultTimeout,
		logger:         config.Logger,
		cleanupTicker:  time.NewTicker(config.CleanupInterval),
		done:           make(chan struct{}),
	}

	if err := processor.Listen(replies, messaging.ListenerFunc(b.handleReply)); err != nil {
		b.cleanupTicker.Stop()
		_ = replies.Close()
		return nil, fmt.Errorf("failed to listen on reply queue: %w", err)
	}

	go b.cleanupRoutine()

	return b, nil
}

// ReplyEndpoint returns the endpoint of the shared reply queue
func (b *SyncAsyncBridge) ReplyEndpoint() contracts.Endpoint {
	return b.replies.Endpoint()
}

// Request sends msg to endpoint and waits up to timeout for the response.
// Zero timeout uses the bridge default. msg's correlation id is replaced by
// a bridge-generated token. Replies that cannot be decoded are logged and
// skipped; the request keeps waiting for a valid one.
func (b *SyncAsyncBridge) Request(ctx context.Context, endpoint contracts.Endpoint, msg contracts.Envelope, decode messaging.Decoder, timeout time.Duration) (contracts.Envelope, error) {
	if msg == nil {
		return nil, messaging.ErrNilMessage
	}
	if decode == nil {
		return nil, messaging.ErrNilDecoder
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	requestCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pending, err := b.register(decode, timeout, cancel)
	if err != nil {
		return nil, err
	}
	defer b.unregister(pending.id)

	token, _ := contracts.NewMessageID(pending.id)
	msg.SetCorrelationID(token)

	if err := b.send(requestCtx, endpoint, msg); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resp := <-pending.response:
		return resp, nil
	case <-requestCtx.Done():
		if ctx.Err() == nil && errors.Is(requestCtx.Err(), context.DeadlineExceeded) {
			return nil, messaging.ErrResponseTimeout
		}
		if b.isClosed() {
			return nil, ErrBridgeClosed
		}
		return nil, requestCtx.Err()
	}
}

// RequestTyped sends a request and returns the response as *T
func RequestTyped[T any, PT messaging.EnvelopePointer[T]](b *SyncAsyncBridge, ctx context.Context, endpoint contracts.Endpoint, msg contracts.Envelope, timeout time.Duration) (PT, error) {
	resp, err := b.Request(ctx, endpoint, msg, messaging.DecoderFor[T, PT](b.processor.Codec()), timeout)
	if err != nil {
		return nil, err
	}
	return resp.(PT), nil
}

func (b *SyncAsyncBridge) register(decode messaging.Decoder, timeout time.Duration, cancel context.CancelFunc) (*pendingRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBridgeClosed
	}
	if len(b.pending) >= b.maxPending {
		return nil, ErrTooManyPending
	}

	p := &pendingRequest{
		id:       "bridge-" + uuid.NewString(),
		decode:   decode,
		response: make(chan contracts.Envelope, 1),
		deadline: time.Now().Add(timeout),
		cancel:   cancel,
	}
	b.pending[p.id] = p
	return p, nil
}

func (b *SyncAsyncBridge) unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

func (b *SyncAsyncBridge) send(ctx context.Context, endpoint contracts.Endpoint, msg contracts.Envelope) error {
	attempt := func() error {
		pc, err := b.factory.CreateProducerContext(ctx, endpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := pc.Close(); err != nil {
				b.logger.Warn("failed to close producer context", "error", err)
			}
		}()
		_, err = b.processor.SendWithReplyTo(ctx, pc, msg, b.replies, nil)
		return err
	}

	withRetry := attempt
	if b.retryPolicy != nil {
		withRetry = func() error {
			return reliability.Retry(ctx, "send request", b.retryPolicy, attempt)
		}
	}

	if b.circuitBreaker != nil {
		return b.circuitBreaker.Execute(ctx, withRetry)
	}
	return withRetry()
}

// handleReply routes a response to the caller waiting on its correlation id
func (b *SyncAsyncBridge) handleReply(ctx context.Context, cc *messaging.ConsumerContext, msg *transport.Message) {
	if msg.CorrelationID == "" {
		b.logger.Warn("dropping reply without correlation id", "messageId", msg.ID)
		return
	}

	b.mu.Lock()
	pending, ok := b.pending[msg.CorrelationID]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("dropping reply for unknown or expired request", "correlationId", msg.CorrelationID)
		return
	}

	resp, err := messaging.Decode(pending.decode, msg)
	if err != nil {
		b.logger.Error("dropping reply that cannot be decoded",
			"correlationId", msg.CorrelationID,
			"messageId", msg.ID,
			"error", err)
		return
	}

	// a concurrent reply or expiry may have claimed the request meanwhile
	b.mu.Lock()
	_, ok = b.pending[msg.CorrelationID]
	if ok {
		delete(b.pending, msg.CorrelationID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	pending.response <- resp
}

func (b *SyncAsyncBridge) cleanupRoutine() {
	for {
		select {
		case <-b.cleanupTicker.C:
			b.cleanupExpiredRequests()
		case <-b.done:
			return
		}
	}
}

// cleanupExpiredRequests drops requests whose deadline passed
func (b *SyncAsyncBridge) cleanupExpiredRequests() {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, req := range b.pending {
		if now.After(req.deadline) {
			req.cancel()
			delete(b.pending, id)
		}
	}
}

// PendingRequestCount returns the number of callers waiting for a response
func (b *SyncAsyncBridge) PendingRequestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *SyncAsyncBridge) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close cancels pending requests and releases the reply queue
func (b *SyncAsyncBridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.cleanupTicker.Stop()

		b.mu.Lock()
		b.closed = true
		for _, req := range b.pending {
			req.cancel()
		}
		b.pending = make(map[string]*pendingRequest)
		b.mu.Unlock()

		b.closeErr = b.replies.Close()
	})
	return b.closeErr
}
