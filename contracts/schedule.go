package contracts

import (
	"fmt"
	"time"
)

// Schedule selects when a scheduled message becomes due: an absolute time or a delay
type Schedule struct {
	At    time.Time
	Delay time.Duration
}

// ScheduleAt schedules for an absolute execution time
func ScheduleAt(at time.Time) Schedule {
	return Schedule{At: at}
}

// ScheduleAfter schedules after a delay measured from dispatch time
func ScheduleAfter(delay time.Duration) Schedule {
	return Schedule{Delay: delay}
}

// Validate ensures exactly one of At and Delay is set
func (s Schedule) Validate() error {
	switch {
	case s.At.IsZero() && s.Delay <= 0:
		return fmt.Errorf("%w: either an execution time or a positive delay is required", ErrInvalidSchedule)
	case !s.At.IsZero() && s.Delay > 0:
		return fmt.Errorf("%w: execution time and delay are mutually exclusive", ErrInvalidSchedule)
	}
	return nil
}

// Apply records the schedule on the envelope and marks it scheduled
func (s Schedule) Apply(env *Envelope) {
	if !s.At.IsZero() {
		env.ScheduledTime = s.At
	}
	if s.Delay > 0 {
		env.ScheduleDelay = s.Delay
	}
	env.Status = StatusScheduled
}

// Acknowledgement is returned once a receiver confirms it handled a message
type Acknowledgement struct {
	EnvelopeID    string    `json:"envelopeId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewAcknowledgement acknowledges env at the given time
func NewAcknowledgement(env *Envelope, at time.Time) Acknowledgement {
	return Acknowledgement{
		EnvelopeID:    env.ID,
		CorrelationID: env.CorrelationID,
		Timestamp:     at,
	}
}
