// Package contracts provides the core value types exchanged through the mmate bus.
//
// This package defines:
//   - Endpoint: an addressable queue or topic, named or temporary
//   - MessageID: the opaque identifier a transport assigns to a sent message
//   - Envelope: the interface every message exchanged through the bus implements
//   - BasicMessage: an embeddable Envelope implementation
//   - SimpleMessage: a ready-made message with a text body and string details
//
// Envelope metadata (message id, correlation id, headers) travels as transport
// properties and is never part of the serialized payload.
package contracts
