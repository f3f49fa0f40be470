package rabbitmq

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

const (
	temporaryQueueScheme = "temp-queue"
	temporaryTopicScheme = "temp-topic"
)

// destination addresses a queue through the default exchange or a topic
// through its fanout exchange
type destination struct {
	endpoint contracts.Endpoint
}

var _ transport.Destination = (*destination)(nil)

func (d *destination) Endpoint() contracts.Endpoint {
	return d.endpoint
}

func (d *destination) isQueue() bool {
	return d.endpoint.Type() == contracts.QueueType
}

// exchange and routingKey give the publish address
func (d *destination) exchange() string {
	if d.isQueue() {
		return ""
	}
	return d.endpoint.Name()
}

func (d *destination) routingKey() string {
	if d.isQueue() {
		return d.endpoint.Name()
	}
	return ""
}

func asDestination(dest transport.Destination) (*destination, error) {
	d, ok := dest.(*destination)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: %T", transport.ErrForeignDestination, dest)
	}
	return d, nil
}

// encodeReplyTo renders a destination for the reply-to property
func encodeReplyTo(d *destination) string {
	if !d.endpoint.IsTemporary() {
		return d.endpoint.String()
	}
	if d.isQueue() {
		return temporaryQueueScheme + "://" + d.endpoint.Name()
	}
	return temporaryTopicScheme + "://" + d.endpoint.Name()
}

// decodeReplyTo parses a reply-to property. A bare name is taken to be a
// queue, as set by plain AMQP clients.
func decodeReplyTo(s string) (*destination, error) {
	if s == "" {
		return nil, nil
	}

	scheme, name, ok := strings.Cut(s, "://")
	if !ok {
		ep, err := contracts.NewEndpoint(contracts.QueueType, s)
		if err != nil {
			return nil, err
		}
		return &destination{endpoint: ep}, nil
	}

	var (
		ep  contracts.Endpoint
		err error
	)
	switch scheme {
	case temporaryQueueScheme:
		ep, err = contracts.NewTemporaryEndpoint(contracts.QueueType, name)
	case temporaryTopicScheme:
		ep, err = contracts.NewTemporaryEndpoint(contracts.TopicType, name)
	default:
		ep, err = contracts.ParseEndpoint(s)
	}
	if err != nil {
		return nil, err
	}
	return &destination{endpoint: ep}, nil
}
