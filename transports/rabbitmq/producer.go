package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/internal/rabbitmq"
	"github.com/glimte/mmate-bus/transport"
)

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

	pub, err := toPublishing(msg)
	if err != nil {
		return err
	}

	err = p.sess.ch.PublishWithContext(ctx,
		p.dest.exchange(),
		p.dest.routingKey(),
		false, // mandatory
		false, // immediate
		pub,
	)
	if err != nil {
		pubErr := &rabbitmq.PublishError{
			Exchange:   p.dest.exchange(),
			RoutingKey: p.dest.routingKey(),
			Err:        err,
			Timestamp:  time.Now(),
		}
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %w", transport.ErrClosed, pubErr)
		}
		return pubErr
	}

	msg.ID = pub.MessageId
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

// toPublishing maps a message onto AMQP properties with a fresh message id
func toPublishing(msg *transport.Message) (amqp.Publishing, error) {
	pub := amqp.Publishing{
		MessageId:     uuid.NewString(),
		CorrelationId: msg.CorrelationID,
		Headers:       toTable(msg.Headers),
		Body:          msg.Body,
		Timestamp:     time.Now(),
		DeliveryMode:  amqp.Transient,
	}
	if msg.ReplyTo != nil {
		d, err := asDestination(msg.ReplyTo)
		if err != nil {
			return amqp.Publishing{}, err
		}
		pub.ReplyTo = encodeReplyTo(d)
	}
	return pub, nil
}
