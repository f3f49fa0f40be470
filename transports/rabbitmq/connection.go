package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transport/selector"
)

type connection struct {
	manager   *rabbitmq.ConnectionManager
	durable   bool
	logger    *slog.Logger
	mu        sync.Mutex
	sessions  map[*session]struct{}
	started   chan struct{}
	startOnce sync.Once
	closed    bool
}

var (
	_ transport.Connection             = (*connection)(nil)
	_ rabbitmq.ConnectionStateListener = (*connection)(nil)
)

func newConnection(manager *rabbitmq.ConnectionManager, cfg factoryConfig) *connection {
	c := &connection{
		manager:  manager,
		durable:  cfg.durable,
		logger:   cfg.logger,
		sessions: make(map[*session]struct{}),
		started:  make(chan struct{}),
	}
	manager.AddStateListener(c)
	return c
}

func (c *connection) CreateSession(ctx context.Context) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.ErrClosed
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, err
	}

	s := &session{
		conn:      c,
		ch:        ch,
		topology:  rabbitmq.NewTopologyManager(ch, c.durable),
		producers: make(map[*producer]struct{}),
		consumers: make(map[*consumer]struct{}),
	}
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *connection) Start() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	c.startOnce.Do(func() {
		close(c.started)
		c.logger.Debug("connection started")
	})
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.manager.RemoveStateListener(c)
	if err := c.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (c *connection) OnConnected() {}

// OnDisconnected implements rabbitmq.ConnectionStateListener. A broker-side
// close leaves the connection unusable; later calls fail with ErrClosed.
func (c *connection) OnDisconnected(err error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if !wasClosed {
		c.logger.Error("broker connection lost", "error", err)
	}
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) removeSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// session owns one AMQP channel. Temporary queues and exchanges it declared
// are deleted when it closes.
type session struct {
	conn     *connection
	ch       *amqp.Channel
	topology *rabbitmq.TopologyManager

	mu            sync.Mutex
	producers     map[*producer]struct{}
	consumers     map[*consumer]struct{}
	tempQueues    []string
	tempExchanges []string
	closed        bool
}

var _ transport.Session = (*session)(nil)

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

func (s *session) CreateQueue(name string) (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := contracts.NewEndpoint(contracts.QueueType, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.topology.DeclareNamedQueue(name); err != nil {
		return nil, err
	}
	return &destination{endpoint: ep}, nil
}

func (s *session) CreateTopic(name string) (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := contracts.NewEndpoint(contracts.TopicType, name)
	if err != nil {
		return nil, err
	}
	if err := s.topology.DeclareTopicExchange(name); err != nil {
		return nil, err
	}
	return &destination{endpoint: ep}, nil
}

func (s *session) CreateTemporaryQueue() (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q, err := s.topology.DeclareTemporaryQueue()
	if err != nil {
		return nil, err
	}
	ep, err := contracts.NewTemporaryEndpoint(contracts.QueueType, q.Name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tempQueues = append(s.tempQueues, q.Name)
	s.mu.Unlock()
	return &destination{endpoint: ep}, nil
}

func (s *session) CreateTemporaryTopic() (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	name := "temp-topic-" + uuid.NewString()
	if err := s.topology.DeclareTemporaryExchange(name); err != nil {
		return nil, err
	}
	ep, err := contracts.NewTemporaryEndpoint(contracts.TopicType, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tempExchanges = append(s.tempExchanges, name)
	s.mu.Unlock()
	return &destination{endpoint: ep}, nil
}

func (s *session) CreateProducer(dest transport.Destination) (transport.Producer, error) {
	d, err := asDestination(dest)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, transport.ErrClosed
	}
	p := &producer{sess: s, dest: d}
	s.producers[p] = struct{}{}
	return p, nil
}

func (s *session) CreateConsumer(dest transport.Destination, expr string) (transport.Consumer, error) {
	d, err := asDestination(dest)
	if err != nil {
		return nil, err
	}
	sel, err := selector.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidSelector, err)
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	queue := d.endpoint.Name()
	if !d.isQueue() {
		queue, err = s.topology.DeclareSubscription(d.exchange())
		if err != nil {
			return nil, err
		}
	}

	tag := "mmate-bus-" + uuid.NewString()
	deliveries, err := s.ch.Consume(
		queue,
		tag,
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, &rabbitmq.ConsumerError{Queue: queue, ConsumerTag: tag, Op: "consume", Err: err}
	}

	c := newConsumer(s, d, queue, tag, sel, deliveries)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Close()
		return nil, transport.ErrClosed
	}
	s.consumers[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	producers := make([]*producer, 0, len(s.producers))
	for p := range s.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	tempQueues, tempExchanges := s.tempQueues, s.tempExchanges
	s.tempQueues, s.tempExchanges = nil, nil
	s.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if s.conn.manager.IsConnected() {
		for _, q := range tempQueues {
			if err := s.topology.DeleteQueue(q); err != nil {
				s.conn.logger.Warn("failed to delete temporary queue", "queue", q, "error", err)
			}
		}
		for _, x := range tempExchanges {
			if err := s.topology.DeleteExchange(x); err != nil {
				s.conn.logger.Warn("failed to delete temporary exchange", "exchange", x, "error", err)
			}
		}
	}
	s.conn.removeSession(s)

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &rabbitmq.ChannelError{Op: "close", Err: err}
	}
	return nil
}

func (s *session) forgetProducer(p *producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, p)
}

func (s *session) forgetConsumer(c *consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, c)
}
