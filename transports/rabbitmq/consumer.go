package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-bus/transport"
	"github.com/glimte/mmate-bus/transport/selector"
)

type consumer struct {
	sess       *session
	dest       *destination
	queue      string
	tag        string
	selector   *selector.Selector
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	mu       sync.Mutex
	listener transport.Listener
	running  bool
	closed   atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
}

var _ transport.Consumer = (*consumer)(nil)

func newConsumer(s *session, d *destination, queue, tag string, sel *selector.Selector, deliveries <-chan amqp.Delivery) *consumer {
	return &consumer{
		sess:       s,
		dest:       d,
		queue:      queue,
		tag:        tag,
		selector:   sel,
		deliveries: deliveries,
		logger:     s.conn.logger.With("destination", d.endpoint.String(), "queue", queue, "consumerTag", tag),
		stop:       make(chan struct{}),
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
	return nil
}

func (c *consumer) Destination() transport.Destination {
	return c.dest
}

// Close cancels the AMQP consumer without waiting for the broker, so it can
// be called from the listener
func (c *consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })

	var err error
	if !c.sess.conn.isClosed() {
		if cancelErr := c.sess.ch.Cancel(c.tag, true); cancelErr != nil {
			err = fmt.Errorf("cancel consumer %s: %w", c.tag, cancelErr)
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

	for {
		select {
		case <-c.stop:
			return
		case d, ok := <-c.deliveries:
			if !ok {
				c.logger.Debug("delivery channel closed")
				return
			}
			msg := c.toMessage(d)
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

func (c *consumer) toMessage(d amqp.Delivery) *transport.Message {
	msg := &transport.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		Headers:       fromTable(d.Headers),
		Body:          d.Body,
	}
	if d.ReplyTo != "" {
		replyTo, err := decodeReplyTo(d.ReplyTo)
		if err != nil {
			c.logger.Warn("ignoring malformed reply-to", "replyTo", d.ReplyTo, "error", err)
		} else {
			msg.ReplyTo = replyTo
		}
	}
	return msg
}

func toTable(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}
	return table
}

// fromTable flattens AMQP header values to strings
func fromTable(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}
	headers := make(map[string]string, len(table))
	for k, v := range table {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []byte:
			headers[k] = string(val)
		case nil:
			continue
		default:
			headers[k] = fmt.Sprint(val)
		}
	}
	return headers
}
