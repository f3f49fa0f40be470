package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// FactoryOption configures a ContextFactory
type FactoryOption func(*ContextFactory)

// WithFactoryLogger sets the logger for the factory
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *ContextFactory) {
		f.logger = logger
	}
}

// ContextFactory builds producer and consumer contexts from endpoints.
// All contexts built by one factory share a single cached connection, which
// is created on first use and closed by Close. The connection is started by
// the first consumer context; producers never need delivery.
type ContextFactory struct {
	connFactory transport.ConnectionFactory
	logger      *slog.Logger

	mu      sync.Mutex
	conn    transport.Connection
	started bool
	closed  bool
}

// FactoryState describes the factory's cached connection
type FactoryState int

const (
	// FactoryIdle means no connection is open
	FactoryIdle FactoryState = iota
	// FactoryConnected means a connection is open but not started
	FactoryConnected
	// FactoryStarted means a connection is open and delivering to consumers
	FactoryStarted
	// FactoryClosed means Close was called
	FactoryClosed
)

func (s FactoryState) String() string {
	switch s {
	case FactoryIdle:
		return "idle"
	case FactoryConnected:
		return "connected"
	case FactoryStarted:
		return "started"
	case FactoryClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NewContextFactory creates a factory over the given transport
func NewContextFactory(cf transport.ConnectionFactory, opts ...FactoryOption) *ContextFactory {
	f := &ContextFactory{
		connFactory: cf,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateProducerContext builds a context able to send to endpoint
func (f *ContextFactory) CreateProducerContext(ctx context.Context, endpoint contracts.Endpoint) (*ProducerContext, error) {
	cc, err := f.createConnectionContext(ctx, endpoint, false)
	if err != nil {
		return nil, err
	}

	producer, err := cc.session.CreateProducer(cc.destination)
	if err != nil {
		f.release(cc.session)
		return nil, connectionError("create producer", endpoint, err)
	}

	f.logger.Debug("created producer context", "endpoint", cc.Endpoint().String())
	return &ProducerContext{ConnectionContext: *cc, producer: producer}, nil
}

// CreateConsumerContext builds a context receiving from endpoint. A non-empty
// selector restricts delivery to messages whose headers satisfy it.
func (f *ContextFactory) CreateConsumerContext(ctx context.Context, endpoint contracts.Endpoint, selector string) (*ConsumerContext, error) {
	cc, err := f.createConnectionContext(ctx, endpoint, true)
	if err != nil {
		return nil, err
	}

	consumer, err := cc.session.CreateConsumer(cc.destination, selector)
	if err != nil {
		f.release(cc.session)
		return nil, connectionError("create consumer", endpoint, err)
	}

	f.logger.Debug("created consumer context",
		"endpoint", cc.Endpoint().String(),
		"selector", selector)
	return &ConsumerContext{ConnectionContext: *cc, consumer: consumer}, nil
}

// Close closes the cached connection. It is idempotent; contexts created
// afterwards fail with ErrFactoryClosed.
func (f *ContextFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.conn == nil {
		return nil
	}
	conn := f.conn
	f.conn = nil
	f.started = false

	if err := conn.Close(); err != nil {
		return connectionError("close connection", contracts.Endpoint{}, err)
	}
	return nil
}

// State reports whether the factory holds an open, started or no connection
func (f *ContextFactory) State() FactoryState {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return FactoryClosed
	case f.conn == nil:
		return FactoryIdle
	case f.started:
		return FactoryStarted
	default:
		return FactoryConnected
	}
}

func (f *ContextFactory) createConnectionContext(ctx context.Context, endpoint contracts.Endpoint, start bool) (*ConnectionContext, error) {
	if endpoint.IsZero() {
		return nil, connectionError("resolve destination", endpoint, contracts.ErrInvalidEndpoint)
	}

	conn, err := f.connection(ctx, start)
	if err != nil {
		return nil, err
	}

	session, err := conn.CreateSession(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			f.forget(conn)
		}
		return nil, connectionError("create session", endpoint, err)
	}

	dest, err := resolveDestination(session, endpoint)
	if err != nil {
		f.release(session)
		return nil, connectionError("resolve destination", endpoint, err)
	}

	return &ConnectionContext{
		connection:  conn,
		session:     session,
		destination: dest,
	}, nil
}

// connection returns the cached connection, creating it on first use and
// starting it when start is set. A new connection whose start fails is
// closed and discarded.
func (f *ContextFactory) connection(ctx context.Context, start bool) (transport.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFactoryClosed
	}

	conn := f.conn
	fresh := conn == nil
	if fresh {
		var err error
		conn, err = f.connFactory.CreateConnection(ctx)
		if err != nil {
			return nil, connectionError("create connection", contracts.Endpoint{}, err)
		}
		f.logger.Debug("opened broker connection")
	}

	if start && !f.started {
		if err := conn.Start(); err != nil {
			if fresh {
				if closeErr := conn.Close(); closeErr != nil {
					f.logger.Warn("failed to close connection after start failure", "error", closeErr)
				}
			}
			return nil, connectionError("start connection", contracts.Endpoint{}, err)
		}
		f.started = true
	}

	f.conn = conn
	return conn, nil
}

// forget drops a cached connection the broker has closed, so the next
// context opens a new one
func (f *ContextFactory) forget(conn transport.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == conn {
		f.conn = nil
		f.started = false
		f.logger.Warn("broker connection lost, reconnecting on next use")
	}
}

func (f *ContextFactory) release(session transport.Session) {
	if err := session.Close(); err != nil {
		f.logger.Warn("failed to close session", "error", err)
	}
}

// resolveDestination maps an endpoint to a broker destination. The temporary
// markers allocate a new destination; named temporaries are only reachable
// through a delivered reply-to.
func resolveDestination(session transport.Session, endpoint contracts.Endpoint) (transport.Destination, error) {
	switch {
	case endpoint == contracts.TemporaryQueue:
		return session.CreateTemporaryQueue()
	case endpoint == contracts.TemporaryTopic:
		return session.CreateTemporaryTopic()
	case endpoint.IsTemporary():
		return nil, fmt.Errorf("%w: temporary destination %s cannot be resolved by name", contracts.ErrInvalidEndpoint, endpoint)
	case endpoint.Type() == contracts.QueueType:
		return session.CreateQueue(endpoint.Name())
	case endpoint.Type() == contracts.TopicType:
		return session.CreateTopic(endpoint.Name())
	default:
		return nil, fmt.Errorf("%w: unknown endpoint type %v", contracts.ErrInvalidEndpoint, endpoint.Type())
	}
}
