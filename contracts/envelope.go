package contracts

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// EnvelopeStatus governs which queries may select an envelope
type EnvelopeStatus int

const (
	// StatusCreated is the default status: the envelope is not yet scheduled or sent
	StatusCreated EnvelopeStatus = iota
	// StatusScheduled marks an envelope waiting for its scheduled time
	StatusScheduled
	// StatusSent marks an envelope handed to a transport or recorder
	StatusSent
	// StatusHandled marks an envelope whose local handler completed
	StatusHandled
	// StatusFailed marks an envelope whose local handler failed
	StatusFailed
)

func (s EnvelopeStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusScheduled:
		return "scheduled"
	case StatusSent:
		return "sent"
	case StatusHandled:
		return "handled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status can no longer change
func (s EnvelopeStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusHandled || s == StatusFailed
}

// Envelope describes one outgoing or in-flight message
type Envelope struct {
	// ID is assigned at creation and never changes
	ID          string
	Message     any
	MessageType string
	Status      EnvelopeStatus

	// ScheduledTime and ScheduleDelay are mutually informative. When only the
	// delay is set the absolute time is derived at dispatch time.
	ScheduledTime time.Time
	ScheduleDelay time.Duration

	// At most one of Destination, EndpointName and TopicName is set in normal
	// use. Destination takes precedence when present.
	Destination  *url.URL
	EndpointName string
	TopicName    string

	CorrelationID  string
	ConversationID string
	Source         string

	ReplyURI       *url.URL
	AckRequested   bool
	ReplyRequested string

	DeliverBy time.Time
	Headers   map[string]string
	SentAt    time.Time
}

// NewEnvelope creates an envelope for msg. The correlation ID is inherited from
// the originating flow carried by ctx, or from the message itself, or generated.
func NewEnvelope(ctx context.Context, msg any) *Envelope {
	env := &Envelope{
		ID:          uuid.New().String(),
		Message:     msg,
		MessageType: TypeName(msg),
		Status:      StatusCreated,
		Headers:     make(map[string]string),
	}

	origin := EnvelopeFromContext(ctx)
	if origin != nil {
		env.ConversationID = origin.ID
	}

	switch {
	case CorrelationIDFromContext(ctx) != "":
		env.CorrelationID = CorrelationIDFromContext(ctx)
	case origin != nil && origin.CorrelationID != "":
		env.CorrelationID = origin.CorrelationID
	default:
		if m, ok := msg.(Message); ok && m.GetCorrelationID() != "" {
			env.CorrelationID = m.GetCorrelationID()
		} else {
			env.CorrelationID = uuid.New().String()
		}
	}

	return env
}

// Transition moves the envelope to a new status. Terminal statuses are never rewritten.
func (e *Envelope) Transition(to EnvelopeStatus) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("%w: envelope %s is %s, cannot become %s", ErrTerminalStatus, e.ID, e.Status, to)
	}
	e.Status = to
	return nil
}

// ResolveScheduledTime derives the absolute scheduled time from the delay when
// only the delay is set. It returns the zero time for unscheduled envelopes.
func (e *Envelope) ResolveScheduledTime(now time.Time) time.Time {
	if e.ScheduledTime.IsZero() && e.ScheduleDelay > 0 {
		e.ScheduledTime = now.Add(e.ScheduleDelay)
	}
	return e.ScheduledTime
}

// IsScheduledForLater reports whether the envelope should not be delivered before a later time
func (e *Envelope) IsScheduledForLater(now time.Time) bool {
	if !e.ScheduledTime.IsZero() {
		return e.ScheduledTime.After(now)
	}
	return e.ScheduleDelay > 0
}

// IsExpired reports whether DeliverBy has passed
func (e *Envelope) IsExpired(now time.Time) bool {
	return !e.DeliverBy.IsZero() && now.After(e.DeliverBy)
}

// Copy returns a copy with a fresh ID for fanning one message out to several targets
func (e *Envelope) Copy() *Envelope {
	clone := *e
	clone.ID = uuid.New().String()
	clone.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		clone.Headers[k] = v
	}
	return &clone
}

// SetHeader sets a header value
func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

// Address describes where the envelope is addressed, for logging
func (e *Envelope) Address() string {
	switch {
	case e.Destination != nil:
		return e.Destination.String()
	case e.EndpointName != "":
		return "endpoint:" + e.EndpointName
	case e.TopicName != "":
		return "topic:" + e.TopicName
	default:
		return ""
	}
}

func (e *Envelope) String() string {
	if addr := e.Address(); addr != "" {
		return fmt.Sprintf("%s#%s (%s) to %s", e.MessageType, e.ID, e.Status, addr)
	}
	return fmt.Sprintf("%s#%s (%s)", e.MessageType, e.ID, e.Status)
}
