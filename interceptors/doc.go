// Package interceptors wraps messaging handlers with cross-cutting behavior.
//
// An Interceptor sees every decoded envelope before the handler does and
// may change the context, replace the response or stop the call. A chain
// built with NewInterceptorChain wraps a messaging.Handler and is itself a
// messaging.Handler, so it plugs into BasicListener and RPCListener.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each envelope with timing information
//   - TimeoutInterceptor: bounds handler execution time
//   - ValidationInterceptor: rejects envelopes a validator refuses
//   - RetryInterceptor: repeats failing handler calls with backoff
//   - CircuitBreakerInterceptor: stops calling a handler that keeps failing
//   - FilteringInterceptor: skips envelopes that do not match a filter
//
// Example usage:
//
//	handler := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second)).
//		Wrap(orderHandler)
//
//	listener := messaging.NewRPCListener(handler, processor)
package interceptors
