// Package httpapi exposes messages to HTTP clients. An endpoint decodes a JSON
// request body into a message, runs the endpoint middleware (validation with
// problem details among it) and forwards the message to the bus.
//
//	opts := httpapi.NewOptions()
//	opts.UseValidationProblemDetailMiddleware(registry, validation.Sequential)
//	httpapi.PublishMessage[CreateOrder](mux, opts, "/orders", bus)
package httpapi
