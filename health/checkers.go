package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-bus/internal/reliability"
)

// Connection reports whether a broker connection is up.
// The rabbitmq transport implements it.
type Connection interface {
	IsConnected() bool
}

// ConnectionChecker checks a broker connection kept open by a reconnecting manager
type ConnectionChecker struct {
	name string
	conn Connection
}

// NewConnectionChecker creates a checker called name for conn
func NewConnectionChecker(name string, conn Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(_ context.Context) CheckResult {
	result := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy, Message: "connected"}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected, reconnecting"
	}
	return result
}

// Pinger is the part of a Redis client the checker uses. *redis.Client implements it.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisChecker pings Redis
type RedisChecker struct {
	client Pinger
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client Pinger) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	err := c.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "ping failed"
		result.Error = err.Error()
		return result
	}

	result.Status = StatusHealthy
	result.Message = "pong"
	result.Details = map[string]any{"responseTimeMs": result.Duration.Milliseconds()}
	return result
}

// DialFunc opens a connection to a Kafka broker
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// KafkaChecker dials the configured brokers. The cluster is degraded when some
// brokers answer and unhealthy when none do.
type KafkaChecker struct {
	brokers []string
	dial    DialFunc
}

// NewKafkaChecker creates a checker for brokers. A nil dial uses kafka-go's default dialer.
func NewKafkaChecker(brokers []string, dial DialFunc) *KafkaChecker {
	if dial == nil {
		dialer := &kafka.Dialer{Timeout: 5 * time.Second}
		dial = func(ctx context.Context, network, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, address)
		}
	}
	return &KafkaChecker{brokers: brokers, dial: dial}
}

func (c *KafkaChecker) Name() string {
	return "kafka"
}

func (c *KafkaChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	var errs []error
	reachable := 0
	for _, broker := range c.brokers {
		conn, err := c.dial(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", broker, err))
			continue
		}
		_ = conn.Close()
		reachable++
	}
	result.Duration = time.Since(start)
	result.Details = map[string]any{"brokers": len(c.brokers), "reachable": reachable}

	switch {
	case len(c.brokers) > 0 && reachable == len(c.brokers):
		result.Status = StatusHealthy
		result.Message = "all brokers reachable"
	case reachable > 0:
		result.Status = StatusDegraded
		result.Message = "some brokers unreachable"
		result.Error = errors.Join(errs...).Error()
	default:
		result.Status = StatusUnhealthy
		result.Message = "no broker reachable"
		if len(errs) > 0 {
			result.Error = errors.Join(errs...).Error()
		}
	}
	return result
}

// BreakerChecker reports a circuit breaker. An open circuit is degraded: the
// bus still works in process while remote sends fail fast.
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a checker for breaker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return "circuitBreaker"
}

func (c *BreakerChecker) Check(_ context.Context) CheckResult {
	state := c.breaker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   state.String(),
		Details:   map[string]any{"breaker": c.breaker.Name()},
	}
	if state != reliability.StateClosed {
		result.Status = StatusDegraded
	}
	return result
}
