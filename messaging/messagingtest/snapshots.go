package messagingtest

import (
	"github.com/glimte/mmate-bus/contracts"
)

// Invoked returns the messages executed inline, in call order
func (r *Recorder) Invoked() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.invoked...)
}

// Enqueued returns every envelope enqueued or scheduled locally
func (r *Recorder) Enqueued() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.enqueued)
}

// EnqueuedMessages returns the messages of Enqueued
func (r *Recorder) EnqueuedMessages() []any {
	return Messages(r.Enqueued())
}

// Sent returns envelopes sent with implicit routing or through SendAndWait
func (r *Recorder) Sent() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.sent)
}

// Published returns published, scheduled-published and explicitly addressed envelopes
func (r *Recorder) Published() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.published)
}

// ResponsesToSender returns the replies to the handled message
func (r *Recorder) ResponsesToSender() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.responses)
}

// AllOutgoing returns published, then sent, then responses
func (r *Recorder) AllOutgoing() []*contracts.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*contracts.Envelope, 0, len(r.published)+len(r.sent)+len(r.responses))
	out = append(out, r.published...)
	out = append(out, r.sent...)
	return append(out, r.responses...)
}

// LocallyScheduled returns the enqueued envelopes waiting for a scheduled time
func (r *Recorder) LocallyScheduled() []*contracts.Envelope {
	return scheduled(r.Enqueued())
}

// ScheduledOutgoing returns the outgoing envelopes waiting for a scheduled time
func (r *Recorder) ScheduledOutgoing() []*contracts.Envelope {
	return scheduled(r.AllOutgoing())
}

// Scheduled returns every scheduled envelope, local first
func (r *Recorder) Scheduled() []*contracts.Envelope {
	return append(r.LocallyScheduled(), r.ScheduledOutgoing()...)
}

// Messages extracts the message of each envelope
func Messages(envs []*contracts.Envelope) []any {
	out := make([]any, len(envs))
	for i, env := range envs {
		out[i] = env.Message
	}
	return out
}

func snapshot(envs []*contracts.Envelope) []*contracts.Envelope {
	out := make([]*contracts.Envelope, len(envs))
	copy(out, envs)
	return out
}

func scheduled(envs []*contracts.Envelope) []*contracts.Envelope {
	var out []*contracts.Envelope
	for _, env := range envs {
		if env.Status == contracts.StatusScheduled {
			out = append(out, env)
		}
	}
	return out
}
