package transport

import (
	"context"
	"errors"
	"maps"

	"github.com/glimte/mmate-bus/contracts"
)

var (
	// ErrClosed is returned when a connection, session or handle is used after Close
	ErrClosed = errors.New("transport: closed")

	// ErrDestinationDeleted is returned when sending to a temporary destination that no longer exists
	ErrDestinationDeleted = errors.New("transport: destination deleted")

	// ErrInvalidSelector is returned when a consumer selector cannot be parsed
	ErrInvalidSelector = errors.New("transport: invalid selector")

	// ErrForeignDestination is returned when a destination created by another transport is used
	ErrForeignDestination = errors.New("transport: destination belongs to another transport")
)

// ConnectionFactory opens connections to a broker
type ConnectionFactory interface {
	CreateConnection(ctx context.Context) (Connection, error)
}

// Connection is a link to the broker shared by many sessions
type Connection interface {
	// CreateSession creates a non-transacted, auto-acknowledging session
	CreateSession(ctx context.Context) (Session, error)

	// Start begins delivery to consumers. Starting a started connection is a no-op.
	Start() error

	// Close closes the connection and everything derived from it
	Close() error
}

// Destination is a queue or topic known to the broker
type Destination interface {
	// Endpoint describes the destination; temporary destinations carry the broker-assigned name
	Endpoint() contracts.Endpoint
}

// Session creates destinations and handles
type Session interface {
	CreateQueue(name string) (Destination, error)
	CreateTopic(name string) (Destination, error)
	CreateTemporaryQueue() (Destination, error)
	CreateTemporaryTopic() (Destination, error)

	// CreateProducer creates a send handle bound to dest
	CreateProducer(dest Destination) (Producer, error)

	// CreateConsumer creates a receive handle bound to dest. An empty selector
	// receives every message; otherwise only messages whose headers satisfy it.
	CreateConsumer(dest Destination, selector string) (Consumer, error)

	Close() error
}

// Producer sends messages to its destination
type Producer interface {
	// Send delivers msg and sets msg.ID to the id assigned by the transport
	Send(ctx context.Context, msg *Message) error

	Destination() Destination

	Close() error
}

// Consumer receives messages from its destination
type Consumer interface {
	// SetListener registers the delivery callback. Deliveries start once the
	// connection is started.
	SetListener(listener Listener) error

	Destination() Destination

	// Close stops delivery. It is safe to call from within the listener.
	Close() error
}

// Listener receives messages on a transport-owned goroutine
type Listener interface {
	OnMessage(msg *Message)
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(msg *Message)

// OnMessage calls f(msg)
func (f ListenerFunc) OnMessage(msg *Message) {
	f(msg)
}

// Message is the wire-level unit exchanged with the broker.
// Body holds the codec-serialized payload only; all metadata travels in the
// other fields as transport properties.
type Message struct {
	ID            string
	CorrelationID string
	ReplyTo       Destination
	Headers       map[string]string
	Body          []byte
}

// Clone returns a deep copy of the message
func (m *Message) Clone() *Message {
	c := *m
	c.Headers = maps.Clone(m.Headers)
	if m.Body != nil {
		c.Body = append([]byte(nil), m.Body...)
	}
	return &c
}
