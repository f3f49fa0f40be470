// Package memory provides an in-process broker implementing the transport contract.
//
// The broker supports named and temporary queues and topics, selector-filtered
// consumers, reply-to and correlation propagation. Queues deliver each message
// to one consumer, round-robin among the consumers whose selector matches;
// messages no consumer accepts stay queued. Topics deliver a copy to every
// matching subscriber present at publish time.
//
// Every consumer has its own dispatch goroutine, started when a listener is set
// and gated on the owning connection being started.
package memory
