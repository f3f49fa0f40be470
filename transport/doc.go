// Package transport defines the contract between the mmate bus and an external
// message broker.
//
// A broker implementation provides:
//   - ConnectionFactory: opens connections to the broker
//   - Connection: an expensive, shareable link that derives sessions
//   - Session: a non-transacted, auto-acknowledging unit of work that creates
//     destinations, producers and consumers
//   - Destination: a named or temporary queue or topic
//   - Producer and Consumer: send and receive handles bound to one destination
//
// Consumers deliver messages on goroutines owned by the implementation.
// A session and the handles created from it must not be used from more than
// one goroutine at a time without external synchronization.
//
// Closing a connection closes every session, producer and consumer derived
// from it and deletes the temporary destinations it created.
package transport
