// Package interceptors wraps local handling of envelopes with cross-cutting concerns.
//
// The bus runs every Invoke and every envelope taken from a local queue through
// an InterceptorChain before the registered handler sees the message.
// Built-in interceptors:
//   - LoggingInterceptor: logs message processing with timing information
//   - MetricsInterceptor: records handler executions on a MetricsCollector
//   - TracingInterceptor: starts an OpenTelemetry consumer span
//   - ValidationInterceptor: rejects messages that fail registered validators
//   - TimeoutInterceptor: bounds handler execution time
//   - FilteringInterceptor and ConditionalInterceptor: skip or select by type or header
//   - DuplicateDetectionInterceptor: handles an envelope ID once per window, in memory or in Redis
//
// Example usage:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithTracing(nil).
//		WithValidation(registry).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	bus := messaging.NewBus(messaging.WithInterceptors(chain))
//
// Interceptors are executed in the order they are added to the chain, with the
// final handler being called last.
package interceptors
