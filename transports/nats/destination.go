package nats

import (
	"fmt"
	"strings"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/transport"
)

type destination struct {
	endpoint contracts.Endpoint
	subject  string
}

var _ transport.Destination = (*destination)(nil)

func (d *destination) Endpoint() contracts.Endpoint {
	return d.endpoint
}

// queueGroup is the group shared by all consumers of a named queue
func (d *destination) queueGroup() string {
	if d.endpoint.Type() == contracts.QueueType && !d.endpoint.IsTemporary() {
		return d.subject
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

// subjects maps endpoints to subjects below a prefix
type subjects struct {
	prefix string
}

func (s subjects) join(parts ...string) string {
	filtered := make([]string, 0, len(parts)+1)
	if s.prefix != "" {
		filtered = append(filtered, s.prefix)
	}
	for _, p := range parts {
		if p != "" {
			filtered = append(filtered, p)
		}
	}
	return strings.Join(filtered, ".")
}

func (s subjects) named(ep contracts.Endpoint) *destination {
	kind := "queue"
	if ep.Type() == contracts.TopicType {
		kind = "topic"
	}
	return &destination{endpoint: ep, subject: s.join(kind, ep.Name())}
}

// fromReply maps an inbound reply subject back to a destination. Subjects
// outside the bus namespace are treated as temporary queues.
func (s subjects) fromReply(subject string) (*destination, error) {
	if subject == "" {
		return nil, nil
	}

	queuePrefix := s.join("queue") + "."
	topicPrefix := s.join("topic") + "."
	var (
		ep  contracts.Endpoint
		err error
	)
	switch {
	case strings.HasPrefix(subject, queuePrefix):
		ep, err = contracts.NewEndpoint(contracts.QueueType, strings.TrimPrefix(subject, queuePrefix))
	case strings.HasPrefix(subject, topicPrefix):
		ep, err = contracts.NewEndpoint(contracts.TopicType, strings.TrimPrefix(subject, topicPrefix))
	default:
		ep, err = contracts.NewTemporaryEndpoint(contracts.QueueType, subject)
	}
	if err != nil {
		return nil, err
	}
	return &destination{endpoint: ep, subject: subject}, nil
}
