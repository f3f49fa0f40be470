// Package reliability provides retry policies and a circuit breaker for
// broker connection setup and message handling.
//
// Neither is applied implicitly. The bus client opts in with
// WithConnectRetry and WithCircuitBreaker, and the interceptors package
// uses both around handlers.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return dial()
//	})
package reliability
