package main

import (
	"context"
	"encoding/json"

	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/validation"
)

// Event is a message whose type and payload come from the caller rather than a Go type
type Event struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// GetType names the envelope after the caller's type
func (e Event) GetType() string {
	return e.Type
}

// MarshalJSON puts only the data on the wire, so receivers decode it as their own type
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Data) == 0 {
		return []byte("null"), nil
	}
	return e.Data, nil
}

func (e Event) topic() string {
	if e.Topic != "" {
		return e.Topic
	}
	return e.Type
}

// registerEventRules rejects events that cannot be routed
func registerEventRules(registry *validation.Registry) {
	validation.Register[Event](registry, nil, validation.Rule("event",
		func(e Event) *validation.Failure {
			if e.Type == "" {
				return validation.Field("type", "is required")
			}
			return nil
		},
		func(e Event) *validation.Failure {
			if len(e.Data) > 0 && !json.Valid(e.Data) {
				return validation.Field("data", "must be valid JSON")
			}
			return nil
		},
	))
}

// gateway publishes events to the topic they name. Other messages keep the bus routing rules.
type gateway struct {
	*messaging.Bus
}

// Publish implements messaging.MessagePublisher
func (g gateway) Publish(ctx context.Context, d messaging.Delivery) error {
	if e, ok := d.Message.(Event); ok && !d.Route.Explicit() {
		return g.Bus.Publish(ctx, messaging.DeliveryToTopic(e.topic(), e).WithOptions(d.Options))
	}
	return g.Bus.Publish(ctx, d)
}
