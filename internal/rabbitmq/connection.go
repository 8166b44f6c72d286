package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionManager owns the broker connection and re-dials it when the
// broker closes it. Publishing never retries; only the connection recovers.
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	done           chan struct{}
	closeOnce      sync.Once
	connected      bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps reconnection attempts; a negative value retries forever
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Attempts: 1}
	}

	cm.attachLocked(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connected = false
	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		// close a connection that lands after we gave up on it
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

// watch waits for the broker to close the connection and reconnects
func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	select {
	case err, ok := <-notify:
		if !ok && err == nil {
			// closed by Close
			select {
			case <-cm.done:
				return
			default:
			}
		}
		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.connected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.reconnect()
	case <-cm.done:
	}
}

func (cm *ConnectionManager) reconnect() {
	start := time.Now()
	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt+1, "error", err)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		cm.attachLocked(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)
		return
	}

	cm.logger.Error("giving up on RabbitMQ connection",
		"error", &ConnectionError{Op: "reconnect", URL: SanitizeURL(cm.url), Err: ErrMaxRetriesExceeded, Attempts: cm.maxRetries},
	)
}

// backoff doubles the base delay per attempt, capped at five minutes, with ±25% jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	const maxDelay = 5 * time.Minute

	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := base << uint(attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	jitter := int64(delay) / 4
	if jitter == 0 {
		return delay
	}
	return delay - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter))
}
