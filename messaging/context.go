package messaging

import (
	"errors"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

// ConnectionContext bundles the connection, session and destination a context works with.
// Contexts are built only by ContextFactory and MessageProcessor and never change afterwards.
type ConnectionContext struct {
	connection  transport.Connection
	session     transport.Session
	destination transport.Destination
}

// Connection returns the shared connection
func (c *ConnectionContext) Connection() transport.Connection {
	return c.connection
}

// Session returns the session owned by this context
func (c *ConnectionContext) Session() transport.Session {
	return c.session
}

// Destination returns the destination of this context
func (c *ConnectionContext) Destination() transport.Destination {
	return c.destination
}

// Endpoint describes the destination
func (c *ConnectionContext) Endpoint() contracts.Endpoint {
	if c.destination == nil {
		return contracts.Endpoint{}
	}
	return c.destination.Endpoint()
}

// ProducerContext adds a send handle bound to the destination
type ProducerContext struct {
	ConnectionContext
	producer  transport.Producer
	closeOnce sync.Once
	closeErr  error
}

// Producer returns the send handle
func (p *ProducerContext) Producer() transport.Producer {
	return p.producer
}

// Close closes the producer and its session. The shared connection stays open.
func (p *ProducerContext) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = errors.Join(p.producer.Close(), p.session.Close())
	})
	return p.closeErr
}

// ConsumerContext adds a receive handle bound to the destination
type ConsumerContext struct {
	ConnectionContext
	consumer  transport.Consumer
	closeOnce sync.Once
	closeErr  error
}

// Consumer returns the receive handle
func (c *ConsumerContext) Consumer() transport.Consumer {
	return c.consumer
}

// Close stops delivery and closes the session. It is safe to call from a listener.
func (c *ConsumerContext) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.consumer.Close(), c.session.Close())
	})
	return c.closeErr
}

// RPCContext is the consumer context of one request/response exchange.
// Its destination is the temporary reply queue allocated for the request.
type RPCContext struct {
	ConsumerContext
	request  contracts.Envelope
	listener Listener
}

// Request returns the request envelope that was sent
func (r *RPCContext) Request() contracts.Envelope {
	return r.request
}

// ResponseListener returns the listener awaiting the response
func (r *RPCContext) ResponseListener() Listener {
	return r.listener
}

// replyContext is a producer bound to a reply-to destination on an inbound
// consumer's session. Closing it leaves the session to its owner.
type replyContext struct {
	ProducerContext
}

func newReplyContext(cc *ConsumerContext, replyTo transport.Destination) (*replyContext, error) {
	producer, err := cc.session.CreateProducer(replyTo)
	if err != nil {
		return nil, err
	}
	return &replyContext{ProducerContext{
		ConnectionContext: ConnectionContext{
			connection:  cc.connection,
			session:     cc.session,
			destination: replyTo,
		},
		producer: producer,
	}}, nil
}

func (r *replyContext) Close() error {
	return r.producer.Close()
}
