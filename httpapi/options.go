package httpapi

import (
	"log/slog"
	"net/http"
	"reflect"

	"github.com/glimte/mmate-bus/validation"
)

// DefaultMaxBodyBytes limits request bodies unless Options.MaxBodyBytes says otherwise
const DefaultMaxBodyBytes = 1 << 20

// MessageHandlerFunc handles a decoded message
type MessageHandlerFunc func(w http.ResponseWriter, r *http.Request, msg any)

// Middleware wraps the handling of a decoded message. A middleware that writes
// a response and does not call next stops the request.
type Middleware func(next MessageHandlerFunc) MessageHandlerFunc

// Endpoint describes one message endpoint while policies are applied to it
type Endpoint struct {
	Method      string
	Path        string
	MessageType reflect.Type
	DisplayName string

	middleware []Middleware
}

// Use appends middleware. Middleware added first runs first.
func (e *Endpoint) Use(middleware ...Middleware) {
	e.middleware = append(e.middleware, middleware...)
}

// Middleware returns the middleware in execution order
func (e *Endpoint) Middleware() []Middleware {
	return append([]Middleware(nil), e.middleware...)
}

func (e *Endpoint) wrap(final MessageHandlerFunc) MessageHandlerFunc {
	h := final
	for i := len(e.middleware) - 1; i >= 0; i-- {
		h = e.middleware[i](h)
	}
	return h
}

// EndpointPolicy customizes every endpoint registered with the options
type EndpointPolicy interface {
	Apply(e *Endpoint)
}

// EndpointPolicyFunc adapts a function to EndpointPolicy
type EndpointPolicyFunc func(e *Endpoint)

// Apply implements EndpointPolicy
func (f EndpointPolicyFunc) Apply(e *Endpoint) {
	f(e)
}

// Options holds the policies applied to endpoints as they are registered
type Options struct {
	Policies     []EndpointPolicy
	Logger       *slog.Logger
	MaxBodyBytes int64
}

// NewOptions creates options with no policies
func NewOptions() *Options {
	return &Options{
		Logger:       slog.Default(),
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// AddPolicy adds a policy for endpoints registered afterwards
func (o *Options) AddPolicy(policy EndpointPolicy) {
	o.Policies = append(o.Policies, policy)
}

// ConfigureEndpoints applies configure to every endpoint registered afterwards
func (o *Options) ConfigureEndpoints(configure func(e *Endpoint)) {
	o.AddPolicy(EndpointPolicyFunc(configure))
}

// UseValidationProblemDetailMiddleware validates every endpoint's message with
// registry. Rejected messages get a 400 application/problem+json response listing
// every failure. policy selects how several validators for one type run.
func (o *Options) UseValidationProblemDetailMiddleware(registry *validation.Registry, policy validation.Policy) {
	registry.SetPolicy(policy)
	o.AddPolicy(EndpointPolicyFunc(func(e *Endpoint) {
		e.Use(ValidationMiddleware(registry, o.logger()))
	}))
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o *Options) maxBodyBytes() int64 {
	if o == nil || o.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return o.MaxBodyBytes
}
