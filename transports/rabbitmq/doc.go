// Package rabbitmq implements the bus transport contract on AMQP 0-9-1.
//
// Endpoints map onto broker topology as follows:
//   - queue://name is a queue addressed through the default exchange
//   - topic://name is a fanout exchange; each consumer gets its own exclusive,
//     auto-deleted queue bound to it
//   - temporary queues are broker-named exclusive queues, deleted when the
//     session that declared them closes
//   - temporary topics are auto-deleted fanout exchanges with generated names
//
// Message ids are generated on send. Correlation ids and headers travel as
// AMQP properties and the reply-to property carries the endpoint form of the
// reply destination, so responders can answer queues and topics alike.
//
// AMQP has no broker-side selectors. Consumers created with a selector
// evaluate it on each delivery and discard messages that do not match.
// Sessions auto-acknowledge, so a discarded message is gone from the queue:
// when several consumers with different selectors share one queue, a message
// delivered to a consumer it does not match is lost instead of reaching the
// consumer it would match. Selectors are only safe with one consumer per queue.
package rabbitmq
