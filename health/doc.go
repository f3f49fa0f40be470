// Package health reports whether the bus can reach its broker.
//
// A Registry is bound to a messaging.ContextFactory and reports its
// connection state next to the results of its checkers. BrokerChecker sends a
// ping through a temporary queue on that factory and records the queue and
// the round-trip time. The Registry serves its report as JSON, and Ready and
// Live answer readiness and liveness checks.
package health
