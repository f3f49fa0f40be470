package contracts

import (
	"fmt"
	"strings"
)

// EndpointType identifies the kind of destination an endpoint addresses
type EndpointType int

const (
	// QueueType addresses a point-to-point queue
	QueueType EndpointType = iota
	// TopicType addresses a publish/subscribe topic
	TopicType
)

const (
	queueScheme = "queue://"
	topicScheme = "topic://"

	// temporaryName is the placeholder name of the reserved temporary endpoints.
	// The broker assigns the real name when the destination is created.
	temporaryName = "$temporary$"
)

// String returns the lowercase type name
func (t EndpointType) String() string {
	switch t {
	case QueueType:
		return "queue"
	case TopicType:
		return "topic"
	default:
		return fmt.Sprintf("EndpointType(%d)", int(t))
	}
}

// Endpoint describes a queue or topic on the message bus.
// Endpoints are immutable values and compare equal with ==.
type Endpoint struct {
	kind      EndpointType
	name      string
	temporary bool
}

var (
	// TemporaryQueue marks a queue whose name the broker assigns on creation
	TemporaryQueue = Endpoint{kind: QueueType, name: temporaryName, temporary: true}

	// TemporaryTopic marks a topic whose name the broker assigns on creation
	TemporaryTopic = Endpoint{kind: TopicType, name: temporaryName, temporary: true}
)

// NewEndpoint creates a named, non-temporary endpoint
func NewEndpoint(kind EndpointType, name string) (Endpoint, error) {
	return newEndpoint(kind, name, false)
}

// NewTemporaryEndpoint describes a broker-assigned temporary destination.
// Transports use it to report the name they were given.
func NewTemporaryEndpoint(kind EndpointType, name string) (Endpoint, error) {
	return newEndpoint(kind, name, true)
}

func newEndpoint(kind EndpointType, name string, temporary bool) (Endpoint, error) {
	if kind != QueueType && kind != TopicType {
		return Endpoint{}, fmt.Errorf("%w: unknown type %d", ErrInvalidEndpoint, int(kind))
	}
	if name == "" {
		return Endpoint{}, fmt.Errorf("%w: name cannot be empty", ErrInvalidEndpoint)
	}
	return Endpoint{kind: kind, name: name, temporary: temporary}, nil
}

// ParseEndpoint parses "queue://name" or "topic://name"
func ParseEndpoint(s string) (Endpoint, error) {
	switch {
	case strings.HasPrefix(s, queueScheme):
		return NewEndpoint(QueueType, strings.TrimPrefix(s, queueScheme))
	case strings.HasPrefix(s, topicScheme):
		return NewEndpoint(TopicType, strings.TrimPrefix(s, topicScheme))
	default:
		return Endpoint{}, fmt.Errorf("%w: %q must start with %s or %s", ErrInvalidEndpoint, s, queueScheme, topicScheme)
	}
}

// MustParseEndpoint is like ParseEndpoint but panics on error
func MustParseEndpoint(s string) Endpoint {
	e, err := ParseEndpoint(s)
	if err != nil {
		panic(err)
	}
	return e
}

// Type returns the endpoint type
func (e Endpoint) Type() EndpointType {
	return e.kind
}

// Name returns the queue or topic name
func (e Endpoint) Name() string {
	return e.name
}

// IsTemporary reports whether the endpoint is a temporary destination
func (e Endpoint) IsTemporary() bool {
	return e.temporary
}

// IsZero reports whether e is the zero Endpoint
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

// String renders the endpoint in its scheme://name form
func (e Endpoint) String() string {
	if e.kind == TopicType {
		return topicScheme + e.name
	}
	return queueScheme + e.name
}
