package contracts

import (
	"net/url"
	"time"
)

// DeliveryOptions overrides envelope fields before the envelope is recorded or sent.
// Zero-valued fields are ignored.
type DeliveryOptions struct {
	Destination  *url.URL
	EndpointName string
	TopicName    string

	ScheduledTime time.Time
	ScheduleDelay time.Duration

	// DeliverBy is an absolute expiration. DeliverWithin is relative to the time
	// the options are applied and wins when both are set.
	DeliverBy     time.Time
	DeliverWithin time.Duration

	CorrelationID string
	AckRequested  bool
	Headers       map[string]string
}

// WithHeader sets a header on the options and returns them for chaining
func (o *DeliveryOptions) WithHeader(key, value string) *DeliveryOptions {
	if o.Headers == nil {
		o.Headers = make(map[string]string)
	}
	o.Headers[key] = value
	return o
}

// Override applies every non-empty option to env. A nil receiver is a no-op.
func (o *DeliveryOptions) Override(env *Envelope) {
	if o == nil || env == nil {
		return
	}

	if o.Destination != nil {
		env.Destination = o.Destination
	}
	if o.EndpointName != "" {
		env.EndpointName = o.EndpointName
	}
	if o.TopicName != "" {
		env.TopicName = o.TopicName
	}

	scheduled := false
	if !o.ScheduledTime.IsZero() {
		env.ScheduledTime = o.ScheduledTime
		scheduled = true
	}
	if o.ScheduleDelay > 0 {
		env.ScheduleDelay = o.ScheduleDelay
		scheduled = true
	}
	if scheduled && env.Status == StatusCreated {
		env.Status = StatusScheduled
	}

	if !o.DeliverBy.IsZero() {
		env.DeliverBy = o.DeliverBy
	}
	if o.DeliverWithin > 0 {
		env.DeliverBy = time.Now().UTC().Add(o.DeliverWithin)
	}

	if o.CorrelationID != "" {
		env.CorrelationID = o.CorrelationID
	}
	if o.AckRequested {
		env.AckRequested = true
	}
	for k, v := range o.Headers {
		env.SetHeader(k, v)
	}
}
