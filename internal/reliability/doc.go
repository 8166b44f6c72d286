// Package reliability guards transport sends with a circuit breaker.
//
// The bus does not retry failed sends. The circuit breaker only stops calling
// a transport that keeps failing and lets a limited number of probes through
// once the open timeout has passed.
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(5),
//	    reliability.WithTimeout(30*time.Second),
//	)
//	err := cb.Execute(ctx, func() error {
//	    return sender.Send(ctx, env)
//	})
package reliability
