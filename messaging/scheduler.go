package messaging

import (
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// Clock supplies the current time. xclock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

// Scheduler holds envelopes in memory until their scheduled time.
// Scheduled work does not survive a restart.
type Scheduler struct {
	timers map[string]*scheduledEnvelope
	mu     sync.Mutex
	clock  Clock
	logger *slog.Logger
	closed bool
}

type scheduledEnvelope struct {
	envelope *contracts.Envelope
	due      time.Time
	timer    *time.Timer
}

// ScheduledEnvelope describes one pending scheduled envelope
type ScheduledEnvelope struct {
	EnvelopeID  string
	MessageType string
	Due         time.Time
}

// NewScheduler creates a scheduler using clock for due-time arithmetic
func NewScheduler(clock Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		timers: make(map[string]*scheduledEnvelope),
		clock:  clock,
		logger: logger,
	}
}

// Schedule runs fire once env is due. The envelope ID identifies the entry for Cancel.
// An envelope that is already due fires on its own goroutine straight away.
func (s *Scheduler) Schedule(env *contracts.Envelope, due time.Time, fire func(*contracts.Envelope)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrBusClosed
	}

	delay := due.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	entry := &scheduledEnvelope{envelope: env, due: due}
	entry.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[env.ID]
		if ok && current == entry {
			delete(s.timers, env.ID)
		}
		s.mu.Unlock()

		if ok && current == entry {
			fire(env)
		}
	})

	if previous, ok := s.timers[env.ID]; ok {
		previous.timer.Stop()
	}
	s.timers[env.ID] = entry

	s.logger.Debug("scheduled message",
		"messageId", env.ID,
		"messageType", env.MessageType,
		"due", due,
	)
	return nil
}

// Cancel removes a pending envelope. It reports false when the envelope already fired or is unknown.
func (s *Scheduler) Cancel(envelopeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[envelopeID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, envelopeID)
	return true
}

// Pending lists the envelopes that have not fired yet
func (s *Scheduler) Pending() []ScheduledEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduledEnvelope, 0, len(s.timers))
	for id, entry := range s.timers {
		out = append(out, ScheduledEnvelope{
			EnvelopeID:  id,
			MessageType: entry.envelope.MessageType,
			Due:         entry.due,
		})
	}
	return out
}

// Close stops every pending timer
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
	s.closed = true
}
