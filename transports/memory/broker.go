package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-bus/transport"
)

// Broker is an in-process message broker. It implements transport.ConnectionFactory.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	topics      map[string]*topic
	temporaries map[*destination]struct{}
	connections map[*connection]struct{}
	closed      bool
	logger      *slog.Logger
}

// Option configures the Broker
type Option func(*Broker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

var _ transport.ConnectionFactory = (*Broker)(nil)

// NewBroker creates an empty broker
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		queues:      make(map[string]*queue),
		topics:      make(map[string]*topic),
		temporaries: make(map[*destination]struct{}),
		connections: make(map[*connection]struct{}),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// CreateConnection opens a new connection. Delivery starts once the connection is started.
func (b *Broker) CreateConnection(ctx context.Context) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, transport.ErrClosed
	}

	conn := newConnection(b)
	b.connections[conn] = struct{}{}
	b.logger.Debug("connection opened", "connection", conn.id)
	return conn, nil
}

// Close closes every open connection. The broker rejects new connections afterwards.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*connection, 0, len(b.connections))
	for c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// QueueDepth returns the number of messages waiting on a named queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

// QueueConsumers returns the number of open consumers on a named queue
func (b *Broker) QueueConsumers(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.consumerCount()
}

// TemporaryDestinations returns the number of live temporary queues and topics
func (b *Broker) TemporaryDestinations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.temporaries)
}

func (b *Broker) queue(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name)
		b.topics[name] = t
	}
	return t
}

func (b *Broker) addTemporary(d *destination) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.temporaries[d] = struct{}{}
}

func (b *Broker) removeTemporary(d *destination) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.temporaries, d)
}

func (b *Broker) removeConnection(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, c)
}
