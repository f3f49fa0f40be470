// Package rabbitmq provides the AMQP 0-9-1 plumbing behind the rabbitmq transport.
//
// This package includes:
//   - ConnectionManager: dials the broker with a bounded timeout, watches for
//     server-initiated close and notifies state listeners
//   - TopologyManager: declares the queues, exchanges and bindings that back
//     bus endpoints on a single channel
//   - Structured error types carrying the failed operation and a sanitized URL
//
// Connections are never re-established here. A closed connection is reported
// to listeners and every later operation fails, so callers decide whether to
// build a new one.
package rabbitmq
