package messaging

import (
	"context"
	"net/url"
	"strings"

	"github.com/glimte/mmate-bus/contracts"
)

// AddressingMode selects how an outgoing message is addressed
type AddressingMode int

const (
	// AddressImplicit routes by message type through the router
	AddressImplicit AddressingMode = iota
	// AddressDestination sends to an explicit destination URI
	AddressDestination
	// AddressEndpoint sends to a named endpoint
	AddressEndpoint
	// AddressTopic sends to a named topic
	AddressTopic
)

func (m AddressingMode) String() string {
	switch m {
	case AddressImplicit:
		return "implicit"
	case AddressDestination:
		return "destination"
	case AddressEndpoint:
		return "endpoint"
	case AddressTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Route is where a Delivery is addressed. Only the field matching Mode is read.
type Route struct {
	Mode        AddressingMode
	Destination *url.URL
	Endpoint    string
	Topic       string
}

// Explicit reports whether the caller named the target rather than relying on routing rules
func (r Route) Explicit() bool {
	return r.Mode != AddressImplicit
}

// Validate rejects empty or malformed addresses
func (r Route) Validate() error {
	switch r.Mode {
	case AddressImplicit:
		return nil
	case AddressDestination:
		return contracts.ValidateDestination(r.Destination)
	case AddressEndpoint:
		if strings.TrimSpace(r.Endpoint) == "" {
			return &contracts.AddressingError{Mode: "endpoint", Reason: "endpoint name is required"}
		}
		return nil
	case AddressTopic:
		if strings.TrimSpace(r.Topic) == "" {
			return &contracts.AddressingError{Mode: "topic", Reason: "topic name is required"}
		}
		return nil
	default:
		return &contracts.AddressingError{Mode: r.Mode.String(), Reason: "unknown addressing mode"}
	}
}

// apply stamps the route onto the envelope
func (r Route) apply(env *contracts.Envelope) {
	switch r.Mode {
	case AddressDestination:
		env.Destination = r.Destination
	case AddressEndpoint:
		env.EndpointName = r.Endpoint
	case AddressTopic:
		env.TopicName = r.Topic
	}
}

// Delivery is one request to send or publish a message
type Delivery struct {
	Message any
	Route   Route
	Options *contracts.DeliveryOptions
}

// NewDelivery addresses msg by the routing rules for its type
func NewDelivery(msg any) Delivery {
	return Delivery{Message: msg}
}

// DeliveryTo addresses msg to an explicit destination
func DeliveryTo(destination *url.URL, msg any) Delivery {
	return Delivery{Message: msg, Route: Route{Mode: AddressDestination, Destination: destination}}
}

// DeliveryToEndpoint addresses msg to a named endpoint
func DeliveryToEndpoint(endpoint string, msg any) Delivery {
	return Delivery{Message: msg, Route: Route{Mode: AddressEndpoint, Endpoint: endpoint}}
}

// DeliveryToTopic addresses msg to a named topic
func DeliveryToTopic(topic string, msg any) Delivery {
	return Delivery{Message: msg, Route: Route{Mode: AddressTopic, Topic: topic}}
}

// WithOptions returns a copy of the delivery carrying opts
func (d Delivery) WithOptions(opts *contracts.DeliveryOptions) Delivery {
	d.Options = opts
	return d
}

// Validate checks the message and the route
func (d Delivery) Validate() error {
	if d.Message == nil {
		return contracts.ErrNilMessage
	}
	if err := d.Route.Validate(); err != nil {
		return err
	}
	if d.Options != nil && d.Options.Destination != nil {
		return contracts.ValidateDestination(d.Options.Destination)
	}
	return nil
}

// Envelope builds the envelope for this delivery with route and options applied
func (d Delivery) Envelope(ctx context.Context) *contracts.Envelope {
	env := contracts.NewEnvelope(ctx, d.Message)
	d.Route.apply(env)
	d.Options.Override(env)
	return env
}
