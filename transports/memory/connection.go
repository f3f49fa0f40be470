package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transport/selector"
	"github.com/google/uuid"
)

type connection struct {
	id          string
	broker      *Broker
	logger      *slog.Logger
	mu          sync.Mutex
	sessions    map[*session]struct{}
	temporaries []*destination
	started     chan struct{}
	startOnce   sync.Once
	closed      bool
}

var _ transport.Connection = (*connection)(nil)

func newConnection(b *Broker) *connection {
	id := uuid.New().String()
	return &connection{
		id:       id,
		broker:   b,
		logger:   b.logger.With("connection", id),
		sessions: make(map[*session]struct{}),
		started:  make(chan struct{}),
	}
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
	s := &session{
		conn:      c,
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
	temps := c.temporaries
	c.temporaries = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, d := range temps {
		d.delete()
		c.broker.removeTemporary(d)
	}
	c.broker.removeConnection(c)
	c.logger.Debug("connection closed", "temporaryDestinations", len(temps))
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *connection) addTemporary(d *destination) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.temporaries = append(c.temporaries, d)
	c.broker.addTemporary(d)
	return nil
}

func (c *connection) dropTemporary(d *destination) {
	c.mu.Lock()
	for i, t := range c.temporaries {
		if t == d {
			c.temporaries = append(c.temporaries[:i], c.temporaries[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	d.delete()
	c.broker.removeTemporary(d)
}

func (c *connection) removeSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, s)
}

// session deletes the temporary destinations it created when it closes
type session struct {
	conn        *connection
	mu          sync.Mutex
	producers   map[*producer]struct{}
	consumers   map[*consumer]struct{}
	temporaries []*destination
	closed      bool
}

var _ transport.Session = (*session)(nil)

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
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
	return &destination{endpoint: ep, q: s.conn.broker.queue(name)}, nil
}

func (s *session) CreateTopic(name string) (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := contracts.NewEndpoint(contracts.TopicType, name)
	if err != nil {
		return nil, err
	}
	return &destination{endpoint: ep, t: s.conn.broker.topic(name)}, nil
}

func (s *session) CreateTemporaryQueue() (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	name := "temp-queue-" + uuid.New().String()
	ep, _ := contracts.NewTemporaryEndpoint(contracts.QueueType, name)
	d := &destination{endpoint: ep, q: newQueue(name)}
	if err := s.addTemporary(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *session) CreateTemporaryTopic() (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	name := "temp-topic-" + uuid.New().String()
	ep, _ := contracts.NewTemporaryEndpoint(contracts.TopicType, name)
	d := &destination{endpoint: ep, t: newTopic(name)}
	if err := s.addTemporary(d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *session) addTemporary(d *destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if err := s.conn.addTemporary(d); err != nil {
		return err
	}
	s.temporaries = append(s.temporaries, d)
	return nil
}

func (s *session) CreateProducer(dest transport.Destination) (transport.Producer, error) {
	d, ok := dest.(*destination)
	if !ok {
		return nil, fmt.Errorf("%w: %T", transport.ErrForeignDestination, dest)
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
	d, ok := dest.(*destination)
	if !ok {
		return nil, fmt.Errorf("%w: %T", transport.ErrForeignDestination, dest)
	}
	sel, err := selector.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidSelector, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}
	c := &consumer{
		sess:     s,
		dest:     d,
		selector: sel,
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		logger:   s.conn.logger.With("destination", d.endpoint.String()),
	}
	s.consumers[c] = struct{}{}
	s.mu.Unlock()

	if err := d.attach(c); err != nil {
		s.forgetConsumer(c)
		return nil, err
	}
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
	temps := s.temporaries
	s.temporaries = nil
	s.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, d := range temps {
		s.conn.dropTemporary(d)
	}
	s.conn.removeSession(s)
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

type producer struct {
	sess   *session
	dest   *destination
	closed atomic.Bool
}

var _ transport.Producer = (*producer)(nil)

func (p *producer) Send(ctx context.Context, msg *transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.closed.Load() || p.sess.conn.isClosed() {
		return transport.ErrClosed
	}

	out := msg.Clone()
	out.ID = "ID:" + uuid.New().String()
	if err := p.dest.publish(out); err != nil {
		return err
	}
	msg.ID = out.ID
	return nil
}

func (p *producer) Destination() transport.Destination {
	return p.dest
}

func (p *producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.sess.forgetProducer(p)
	return nil
}

type consumer struct {
	sess     *session
	dest     *destination
	selector *selector.Selector
	logger   *slog.Logger

	mu       sync.Mutex
	buf      []*transport.Message
	listener transport.Listener
	running  bool
	closed   atomic.Bool

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

var _ transport.Consumer = (*consumer)(nil)

func (c *consumer) accepts(msg *transport.Message) bool {
	return !c.closed.Load() && c.selector.Matches(msg.Headers)
}

func (c *consumer) push(msg *transport.Message) {
	c.mu.Lock()
	c.buf = append(c.buf, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *consumer) SetListener(listener transport.Listener) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}

	c.mu.Lock()
	c.listener = listener
	start := !c.running
	c.running = true
	c.mu.Unlock()

	if start {
		go c.run()
	}
	// wake the loop for anything buffered before the listener existed
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *consumer) Destination() transport.Destination {
	return c.dest
}

func (c *consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	leftovers := c.buf
	c.buf = nil
	c.mu.Unlock()

	c.dest.detach(c, leftovers)
	c.sess.forgetConsumer(c)
	return nil
}

// run is the consumer's dispatch goroutine
func (c *consumer) run() {
	select {
	case <-c.sess.conn.started:
	case <-c.stop:
		return
	}

	for {
		select {
		case <-c.stop:
			return
		case <-c.notify:
		}

		for {
			c.mu.Lock()
			if c.closed.Load() || len(c.buf) == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.buf[0]
			c.buf = c.buf[1:]
			listener := c.listener
			c.mu.Unlock()

			c.deliver(listener, msg)
		}
	}
}

func (c *consumer) deliver(listener transport.Listener, msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "messageId", msg.ID, "panic", r)
		}
	}()
	listener.OnMessage(msg)
}
