package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-bus/contracts"
)

// DefaultReplyTimeout is used by SendAndWait and Request when no timeout is given
const DefaultReplyTimeout = 30 * time.Second

// Reply is the outcome reported for an envelope that asked for an acknowledgement or a reply
type Reply struct {
	EnvelopeID    string
	CorrelationID string
	Result        any
	Err           error
	ReceivedAt    time.Time
}

type pendingReply struct {
	ch        chan Reply
	createdAt time.Time
	mu        sync.Mutex
	completed bool
}

func (p *pendingReply) complete(reply Reply) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return false
	}
	p.completed = true
	p.ch <- reply
	return true
}

// ReplyTracker correlates acknowledgements and replies with waiting callers by envelope ID
type ReplyTracker struct {
	pending map[string]*pendingReply
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewReplyTracker creates a reply tracker
func NewReplyTracker(logger *slog.Logger) *ReplyTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyTracker{
		pending: make(map[string]*pendingReply),
		logger:  logger,
	}
}

// Register starts tracking envelopeID. It must be called before the envelope is sent.
func (t *ReplyTracker) Register(envelopeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[envelopeID] = &pendingReply{
		ch:        make(chan Reply, 1),
		createdAt: time.Now(),
	}
}

// Complete resolves a pending envelope. It reports false when nobody is waiting
// or the envelope was already resolved.
func (t *ReplyTracker) Complete(envelopeID string, reply Reply) bool {
	t.mu.Lock()
	pending, ok := t.pending[envelopeID]
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("no pending reply for envelope", "envelopeId", envelopeID)
		return false
	}

	reply.EnvelopeID = envelopeID
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = time.Now()
	}
	return pending.complete(reply)
}

// Wait blocks until envelopeID is completed, timeout elapses or ctx is done.
// The registration is removed in every case.
func (t *ReplyTracker) Wait(ctx context.Context, op, envelopeID string, timeout time.Duration) (Reply, error) {
	t.mu.Lock()
	pending, ok := t.pending[envelopeID]
	t.mu.Unlock()

	if !ok {
		return Reply{}, contracts.Unsupported(op, "envelope "+envelopeID+" is not awaiting a reply")
	}
	defer t.Cancel(envelopeID)

	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-pending.ch:
		return reply, nil
	case <-timer.C:
		t.logger.Warn("reply timed out", "envelopeId", envelopeID, "timeout", timeout)
		return Reply{}, contracts.TimedOut(op, timeout)
	case <-ctx.Done():
		return Reply{}, contracts.Cancelled(op, ctx.Err())
	}
}

// Cancel stops tracking envelopeID
func (t *ReplyTracker) Cancel(envelopeID string) {
	t.mu.Lock()
	pending, ok := t.pending[envelopeID]
	delete(t.pending, envelopeID)
	t.mu.Unlock()

	if ok {
		pending.mu.Lock()
		pending.completed = true
		pending.mu.Unlock()
	}
}

// Pending returns the number of envelopes awaiting a reply
func (t *ReplyTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
