package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// ContentType is the content type of encoded envelopes
const ContentType = "application/json"

// wireEnvelope is the JSON shape of an envelope in transit. Status is local
// bookkeeping and is not sent.
type wireEnvelope struct {
	ID             string            `json:"id"`
	MessageType    string            `json:"messageType"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Source         string            `json:"source,omitempty"`
	Destination    string            `json:"destination,omitempty"`
	EndpointName   string            `json:"endpointName,omitempty"`
	TopicName      string            `json:"topicName,omitempty"`
	ReplyURI       string            `json:"replyUri,omitempty"`
	AckRequested   bool              `json:"ackRequested,omitempty"`
	ReplyRequested string            `json:"replyRequested,omitempty"`
	ScheduledTime  *time.Time        `json:"scheduledTime,omitempty"`
	DeliverBy      *time.Time        `json:"deliverBy,omitempty"`
	SentAt         *time.Time        `json:"sentAt,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        json.RawMessage   `json:"payload"`
}

// Codec encodes envelopes for transports and decodes them back into typed messages
type Codec struct {
	registry *TypeRegistry
	indent   bool
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithIndent pretty prints encoded envelopes
func WithIndent(indent bool) CodecOption {
	return func(c *Codec) {
		c.indent = indent
	}
}

// NewCodec creates a codec that decodes payloads into the types of registry
func NewCodec(registry *TypeRegistry, options ...CodecOption) *Codec {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	c := &Codec{registry: registry}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Registry returns the type registry
func (c *Codec) Registry() *TypeRegistry {
	return c.registry
}

// Encode serializes env and its message
func (c *Codec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	payload, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", env.MessageType, err)
	}

	wire := wireEnvelope{
		ID:             env.ID,
		MessageType:    env.MessageType,
		CorrelationID:  env.CorrelationID,
		ConversationID: env.ConversationID,
		Source:         env.Source,
		Destination:    uriString(env.Destination),
		EndpointName:   env.EndpointName,
		TopicName:      env.TopicName,
		ReplyURI:       uriString(env.ReplyURI),
		AckRequested:   env.AckRequested,
		ReplyRequested: env.ReplyRequested,
		ScheduledTime:  timePtr(env.ScheduledTime),
		DeliverBy:      timePtr(env.DeliverBy),
		SentAt:         timePtr(env.SentAt),
		Headers:        env.Headers,
		Payload:        payload,
	}

	if c.indent {
		return json.MarshalIndent(wire, "", "  ")
	}
	return json.Marshal(wire)
}

// Decode parses an encoded envelope. The message is decoded into the type
// registered for its message type; unknown types fail with ErrUnknownMessageType.
func (c *Codec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("data cannot be empty")
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if wire.ID == "" || wire.MessageType == "" {
		return nil, errors.New("envelope is missing its id or message type")
	}

	env := &contracts.Envelope{
		ID:             wire.ID,
		MessageType:    wire.MessageType,
		Status:         contracts.StatusCreated,
		CorrelationID:  wire.CorrelationID,
		ConversationID: wire.ConversationID,
		Source:         wire.Source,
		EndpointName:   wire.EndpointName,
		TopicName:      wire.TopicName,
		AckRequested:   wire.AckRequested,
		ReplyRequested: wire.ReplyRequested,
		Headers:        wire.Headers,
	}
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	if wire.ScheduledTime != nil {
		env.ScheduledTime = *wire.ScheduledTime
	}
	if wire.DeliverBy != nil {
		env.DeliverBy = *wire.DeliverBy
	}
	if wire.SentAt != nil {
		env.SentAt = *wire.SentAt
	}

	var err error
	if env.Destination, err = parseURI(wire.Destination); err != nil {
		return nil, err
	}
	if env.ReplyURI, err = parseURI(wire.ReplyURI); err != nil {
		return nil, err
	}

	if env.Message, err = c.DecodeMessage(wire.MessageType, wire.Payload); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeMessage decodes payload into a value of the type registered as messageType
func (c *Codec) DecodeMessage(messageType string, payload []byte) (any, error) {
	ptr, err := c.registry.newValue(messageType)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into type %s: %w", messageType, err)
	}
	return ptr.Elem().Interface(), nil
}

func uriString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return contracts.ParseDestination(raw)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
