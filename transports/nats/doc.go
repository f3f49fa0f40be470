// Package nats implements the bus transport contract on core NATS.
//
// Endpoints map onto subjects under a configurable prefix (default "bus"):
// queue://name becomes "bus.queue.name" consumed through a queue group of the
// same name, topic://name becomes "bus.topic.name" with a plain subscription
// per consumer, and temporary destinations are inbox subjects.
//
// Message ids travel in the Nats-Msg-Id header and correlation ids in the
// Correlation-Id header; the reply subject carries the reply destination.
// Core NATS does not store messages, so a queue with no consumer drops what
// is published to it.
package nats
