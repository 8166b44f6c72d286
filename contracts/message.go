package contracts

import (
	"reflect"
	"time"
)

// Message is implemented by messages that carry their own identity and type name.
// The bus accepts any value as a message; types implementing Message get their
// declared type name and correlation ID carried onto the envelope.
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// TypeName returns the message type name recorded on envelopes and used for routing
func TypeName(msg any) string {
	if msg == nil {
		return ""
	}
	if typed, ok := msg.(interface{ GetType() string }); ok && typed.GetType() != "" {
		return typed.GetType()
	}

	t := reflect.TypeOf(msg)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
