package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for topology declarations
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
}

var _ Channel = (*amqp.Channel)(nil)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// TopologyManager declares topology on one channel
type TopologyManager struct {
	ch      Channel
	durable bool
}

// NewTopologyManager creates a topology manager. Named queues and topic
// exchanges are declared durable when durable is true.
func NewTopologyManager(ch Channel, durable bool) *TopologyManager {
	return &TopologyManager{ch: ch, durable: durable}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return &TopologyError{Component: "exchange", Op: "declare", Err: ErrInvalidTopology, Timestamp: time.Now()}
	}
	err := tm.ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares a single queue and returns the broker's view of it
func (tm *TopologyManager) DeclareQueue(queue QueueDeclaration) (amqp.Queue, error) {
	q, err := tm.ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(binding Binding) error {
	err := tm.ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		name := fmt.Sprintf("%s->%s", binding.Exchange, binding.Queue)
		return &TopologyError{Component: "binding", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(name string) error {
	if _, err := tm.ch.QueueDelete(name, false, false, false); err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(name string) error {
	if err := tm.ch.ExchangeDelete(name, false, false); err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareNamedQueue declares the queue backing a queue endpoint
func (tm *TopologyManager) DeclareNamedQueue(name string) (amqp.Queue, error) {
	return tm.DeclareQueue(QueueDeclaration{Name: name, Durable: tm.durable})
}

// DeclareTopicExchange declares the fanout exchange backing a topic endpoint
func (tm *TopologyManager) DeclareTopicExchange(name string) error {
	return tm.DeclareExchange(ExchangeDeclaration{Name: name, Type: amqp.ExchangeFanout, Durable: tm.durable})
}

// DeclareTemporaryQueue declares a broker-named queue owned by this connection
func (tm *TopologyManager) DeclareTemporaryQueue() (amqp.Queue, error) {
	return tm.DeclareQueue(QueueDeclaration{Exclusive: true, AutoDelete: true})
}

// DeclareTemporaryExchange declares an auto-deleted fanout exchange for a temporary topic
func (tm *TopologyManager) DeclareTemporaryExchange(name string) error {
	return tm.DeclareExchange(ExchangeDeclaration{Name: name, Type: amqp.ExchangeFanout, AutoDelete: true})
}

// DeclareSubscription declares an exclusive queue bound to a topic exchange
// and returns its generated name
func (tm *TopologyManager) DeclareSubscription(exchange string) (string, error) {
	q, err := tm.DeclareQueue(QueueDeclaration{Exclusive: true, AutoDelete: true})
	if err != nil {
		return "", err
	}
	if err := tm.BindQueue(Binding{Queue: q.Name, Exchange: exchange}); err != nil {
		return "", err
	}
	return q.Name, nil
}
