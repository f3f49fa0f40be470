package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transport/selector"
)

const (
	// MessageIDHeader carries the transport-assigned message id
	MessageIDHeader = "Nats-Msg-Id"
	// CorrelationIDHeader carries the correlation id
	CorrelationIDHeader = "Correlation-Id"
)

type session struct {
	conn      *connection
	mu        sync.Mutex
	producers map[*producer]struct{}
	consumers map[*consumer]struct{}
	closed    bool
}

var _ transport.Session = (*session)(nil)

func (s *session) subjects() subjects {
	return subjects{prefix: s.conn.config.prefix}
}

func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn.isClosed() {
		return transport.ErrClosed
	}
	return nil
}

func (s *session) CreateQueue(name string) (transport.Destination, error) {
	return s.createNamed(contracts.QueueType, name)
}

func (s *session) CreateTopic(name string) (transport.Destination, error) {
	return s.createNamed(contracts.TopicType, name)
}

func (s *session) createNamed(kind contracts.EndpointType, name string) (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := contracts.NewEndpoint(kind, name)
	if err != nil {
		return nil, err
	}
	return s.subjects().named(ep), nil
}

func (s *session) CreateTemporaryQueue() (transport.Destination, error) {
	return s.createTemporary(contracts.QueueType)
}

func (s *session) CreateTemporaryTopic() (transport.Destination, error) {
	return s.createTemporary(contracts.TopicType)
}

func (s *session) createTemporary(kind contracts.EndpointType) (transport.Destination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	subject := nats.NewInbox()
	ep, err := contracts.NewTemporaryEndpoint(kind, subject)
	if err != nil {
		return nil, err
	}
	return &destination{endpoint: ep, subject: subject}, nil
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

	c := &consumer{
		sess:     s,
		dest:     d,
		selector: sel,
		msgs:     make(chan *nats.Msg, s.conn.config.pending),
		stop:     make(chan struct{}),
		logger:   s.conn.logger.With("destination", d.endpoint.String(), "subject", d.subject),
	}

	if group := d.queueGroup(); group != "" {
		c.sub, err = s.conn.nc.ChanQueueSubscribe(d.subject, group, c.msgs)
	} else {
		c.sub, err = s.conn.nc.ChanSubscribe(d.subject, c.msgs)
	}
	if err != nil {
		return nil, mapError(err)
	}

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
	s.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	var errs []error
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.conn.removeSession(s)
	return errors.Join(errs...)
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

	out, err := toNATS(p.dest.subject, msg)
	if err != nil {
		return err
	}
	if err := p.sess.conn.nc.PublishMsg(out); err != nil {
		return mapError(err)
	}
	msg.ID = out.Header.Get(MessageIDHeader)
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
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	logger   *slog.Logger

	mu       sync.Mutex
	listener transport.Listener
	running  bool
	closed   atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

var _ transport.Consumer = (*consumer)(nil)

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
	return nil
}

func (c *consumer) Destination() transport.Destination {
	return c.dest
}

// Close unsubscribes without waiting for in-flight deliveries
func (c *consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })

	var err error
	if c.sub != nil && !c.sess.conn.isClosed() {
		if unsubErr := c.sub.Unsubscribe(); unsubErr != nil && !errors.Is(unsubErr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("unsubscribe %s: %w", c.dest.subject, unsubErr)
		}
	}
	c.sess.forgetConsumer(c)
	return err
}

// run is the consumer's dispatch goroutine
func (c *consumer) run() {
	select {
	case <-c.sess.conn.started:
	case <-c.stop:
		return
	}

	subjects := c.sess.subjects()
	for {
		select {
		case <-c.stop:
			return
		case nm := <-c.msgs:
			msg, err := fromNATS(subjects, nm)
			if err != nil {
				c.logger.Warn("ignoring malformed reply subject", "reply", nm.Reply, "error", err)
			}
			if !c.selector.Matches(msg.Headers) {
				c.logger.Debug("discarding message not matching selector",
					"messageId", msg.ID,
					"selector", c.selector.String())
				continue
			}

			c.mu.Lock()
			listener := c.listener
			c.mu.Unlock()
			if c.closed.Load() {
				return
			}
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

// toNATS builds the wire message with a fresh message id
func toNATS(subject string, msg *transport.Message) (*nats.Msg, error) {
	out := nats.NewMsg(subject)
	out.Data = msg.Body
	for k, v := range msg.Headers {
		out.Header[k] = []string{v}
	}
	out.Header[MessageIDHeader] = []string{"ID:" + uuid.NewString()}
	if msg.CorrelationID != "" {
		out.Header[CorrelationIDHeader] = []string{msg.CorrelationID}
	}
	if msg.ReplyTo != nil {
		d, err := asDestination(msg.ReplyTo)
		if err != nil {
			return nil, err
		}
		out.Reply = d.subject
	}
	return out, nil
}

// fromNATS converts a delivery. The returned message is usable even when
// the reply subject could not be mapped.
func fromNATS(s subjects, nm *nats.Msg) (*transport.Message, error) {
	msg := &transport.Message{Body: nm.Data}

	if len(nm.Header) > 0 {
		headers := make(map[string]string, len(nm.Header))
		for k, v := range nm.Header {
			if len(v) > 0 {
				headers[k] = v[0]
			}
		}
		msg.ID = headers[MessageIDHeader]
		msg.CorrelationID = headers[CorrelationIDHeader]
		delete(headers, MessageIDHeader)
		delete(headers, CorrelationIDHeader)
		if len(headers) > 0 {
			msg.Headers = headers
		}
	}

	replyTo, err := s.fromReply(nm.Reply)
	if err != nil {
		return msg, err
	}
	if replyTo != nil {
		msg.ReplyTo = replyTo
	}
	return msg, nil
}

func mapError(err error) error {
	if errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	}
	return err
}
