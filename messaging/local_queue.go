package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/glimte/mmate-bus/contracts"
)

// EnvelopeProcessor handles an envelope taken from a local queue
type EnvelopeProcessor func(ctx context.Context, env *contracts.Envelope)

// LocalQueues runs named in-process queues, each drained by a fixed set of workers
type LocalQueues struct {
	queues   map[string]*localQueue
	mu       sync.Mutex
	process  EnvelopeProcessor
	workers  int
	capacity int
	failFast bool
	logger   *slog.Logger
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

type localQueue struct {
	name string
	ch   chan *contracts.Envelope
}

// LocalQueueOption configures LocalQueues
type LocalQueueOption func(*LocalQueues)

// WithWorkers sets the number of workers per queue
func WithWorkers(workers int) LocalQueueOption {
	return func(q *LocalQueues) {
		if workers > 0 {
			q.workers = workers
		}
	}
}

// WithQueueCapacity sets the buffer size of each queue
func WithQueueCapacity(capacity int) LocalQueueOption {
	return func(q *LocalQueues) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithFailFast makes Enqueue return ErrQueueFull instead of waiting for room
func WithFailFast(enabled bool) LocalQueueOption {
	return func(q *LocalQueues) {
		q.failFast = enabled
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) LocalQueueOption {
	return func(q *LocalQueues) {
		q.logger = logger
	}
}

// NewLocalQueues creates local queues that hand every envelope to process
func NewLocalQueues(process EnvelopeProcessor, options ...LocalQueueOption) *LocalQueues {
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueues{
		queues:   make(map[string]*localQueue),
		process:  process,
		workers:  1,
		capacity: 256,
		logger:   slog.Default(),
		baseCtx:  ctx,
		cancel:   cancel,
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// Enqueue places env on the named queue, starting the queue on first use.
// It blocks while the queue is full until ctx is done, unless the queues fail fast.
func (q *LocalQueues) Enqueue(ctx context.Context, queue string, env *contracts.Envelope) error {
	name := strings.ToLower(strings.TrimSpace(queue))
	if name == "" {
		return &contracts.AddressingError{Mode: "queue", Reason: "queue name is required"}
	}

	lq, err := q.queue(name)
	if err != nil {
		return err
	}

	if q.failFast {
		select {
		case lq.ch <- env:
		default:
			return fmt.Errorf("%w: %s holds %d envelopes", ErrQueueFull, name, cap(lq.ch))
		}
	} else {
		select {
		case lq.ch <- env:
		case <-ctx.Done():
			return contracts.Cancelled("enqueue", ctx.Err())
		case <-q.baseCtx.Done():
			return ErrBusClosed
		}
	}

	q.logger.Debug("enqueued message",
		"queue", name,
		"messageId", env.ID,
		"messageType", env.MessageType,
	)
	return nil
}

func (q *LocalQueues) queue(name string) (*localQueue, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrBusClosed
	}
	if lq, ok := q.queues[name]; ok {
		return lq, nil
	}

	lq := &localQueue{name: name, ch: make(chan *contracts.Envelope, q.capacity)}
	q.queues[name] = lq
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(lq, i)
	}

	q.logger.Info("started local queue", "queue", name, "workers", q.workers)
	return lq, nil
}

func (q *LocalQueues) work(lq *localQueue, worker int) {
	defer q.wg.Done()

	for {
		select {
		case env := <-lq.ch:
			q.process(q.baseCtx, env)
		case <-q.baseCtx.Done():
			q.logger.Debug("local queue worker stopped", "queue", lq.name, "worker", worker)
			return
		}
	}
}

// Depth returns the number of envelopes waiting on the named queue
func (q *LocalQueues) Depth(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if lq, ok := q.queues[strings.ToLower(queue)]; ok {
		return len(lq.ch)
	}
	return 0
}

// Sender returns a Sender that enqueues onto the named queue
func (q *LocalQueues) Sender(queue string) Sender {
	return &localSender{queues: q, uri: contracts.LocalQueueURI(queue)}
}

// Close stops all workers. Envelopes still buffered are dropped.
func (q *LocalQueues) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

type localSender struct {
	queues *LocalQueues
	uri    *url.URL
}

func (s *localSender) Send(ctx context.Context, env *contracts.Envelope) error {
	if err := s.queues.Enqueue(ctx, contracts.LocalQueueName(s.uri), env); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", s.uri, err)
	}
	return nil
}

func (s *localSender) Destination() *url.URL {
	return s.uri
}

func (s *localSender) SupportsReplies() bool {
	return true
}
