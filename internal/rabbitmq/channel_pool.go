package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConfirmChannel is a channel in publisher-confirm mode. Confirms and Returns
// are registered once when the channel is opened.
type ConfirmChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirms() <-chan amqp.Confirmation
	Returns() <-chan amqp.Return
}

// ChannelSource lends confirm channels for the duration of fn
type ChannelSource interface {
	Execute(ctx context.Context, fn func(ConfirmChannel) error) error
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	confirms <-chan amqp.Confirmation
	returns  <-chan amqp.Return
	lastUsed time.Time
	id       string
}

// Confirms implements ConfirmChannel
func (pc *PooledChannel) Confirms() <-chan amqp.Confirmation {
	return pc.confirms
}

// Returns implements ConfirmChannel
func (pc *PooledChannel) Returns() <-chan amqp.Return {
	return pc.returns
}

// ID identifies the channel in logs
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPool manages a pool of AMQP channels
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	logger      *slog.Logger
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a channel when the pool is exhausted
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a new channel pool. Channels are opened lazily.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool, opening one while under the size limit
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.open()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		timer := time.NewTimer(cp.waitTimeout)
		select {
		case ch := <-cp.channels:
			timer.Stop()
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err()}
		case <-timer.C:
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.discard(ch)
		return
	}

	select {
	case cp.channels <- ch:
	default:
		cp.discard(ch)
	}
}

// Execute runs fn with a pooled channel. A channel whose operation failed is
// closed instead of being returned, so late confirms never reach another caller.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(ConfirmChannel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	if err := fn(ch); err != nil {
		cp.logger.Debug("discarding channel after failed operation", "channelId", ch.id, "error", err)
		cp.discard(ch)
		return err
	}
	cp.Put(ch)
	return nil
}

// Declare runs fn with a raw pooled channel, for topology declarations
func (cp *ChannelPool) Declare(ctx context.Context, fn func(*amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	if err := fn(ch.Channel); err != nil {
		cp.discard(ch)
		return err
	}
	cp.Put(ch)
	return nil
}

// Size returns the number of open channels
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes all idle channels; channels still lent out are closed when returned
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			cp.discard(ch)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}

func (cp *ChannelPool) discard(ch *PooledChannel) {
	if !ch.IsClosed() {
		_ = ch.Channel.Close()
	}
	cp.release()
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	id := uuid.NewString()

	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: id, Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: id, Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err)}
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err}
	}

	pc := &PooledChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		lastUsed: time.Now(),
		id:       id,
	}
	cp.logger.Debug("opened channel", "channelId", id)
	return pc, nil
}
