package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-bus/contracts"
)

// ErrShortCircuit is returned when an interceptor stops the chain before the handler
var ErrShortCircuit = errors.New("interceptor chain short-circuited")

// ShortCircuitError stops the chain with a reason
type ShortCircuitError struct {
	Reason    string
	MessageID string
}

// Error implements the error interface
func (e *ShortCircuitError) Error() string {
	if e.Reason == "" {
		return ErrShortCircuit.Error()
	}
	return fmt.Sprintf("%s: %s", ErrShortCircuit.Error(), e.Reason)
}

// Unwrap returns ErrShortCircuit
func (e *ShortCircuitError) Unwrap() error {
	return ErrShortCircuit
}

// IsShortCircuit checks if an error is a short-circuit error
func IsShortCircuit(err error) bool {
	return errors.Is(err, ErrShortCircuit)
}

// DuplicateDetector claims envelope IDs. Claim reports false when the ID was
// already claimed and not released.
type DuplicateDetector interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor runs the handler at most once per envelope ID.
// A failed handler releases its claim so a redelivery is handled again.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector, logger *slog.Logger) *DuplicateDetectionInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuplicateDetectionInterceptor{detector: detector, logger: logger}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next Handler) error {
	claimed, err := i.detector.Claim(ctx, env.ID)
	if err != nil {
		return fmt.Errorf("duplicate check for %s failed: %w", env.ID, err)
	}
	if !claimed {
		i.logger.Debug("skipping duplicate envelope",
			"messageId", env.ID,
			"messageType", env.MessageType,
		)
		return &ShortCircuitError{Reason: "duplicate message", MessageID: env.ID}
	}

	if err := next.Handle(ctx, env); err != nil {
		if releaseErr := i.detector.Release(context.WithoutCancel(ctx), env.ID); releaseErr != nil {
			i.logger.Warn("failed to release duplicate claim",
				"messageId", env.ID,
				"error", releaseErr,
			)
		}
		return err
	}
	return nil
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

// MemoryDuplicateDetector remembers claims in process for a window
type MemoryDuplicateDetector struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	claims map[string]time.Time
}

// NewMemoryDuplicateDetector creates a detector whose claims expire after window
func NewMemoryDuplicateDetector(window time.Duration, now func() time.Time) *MemoryDuplicateDetector {
	if now == nil {
		now = time.Now
	}
	return &MemoryDuplicateDetector{
		window: window,
		now:    now,
		claims: make(map[string]time.Time),
	}
}

// Claim implements DuplicateDetector
func (d *MemoryDuplicateDetector) Claim(_ context.Context, messageID string) (bool, error) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, expires := range d.claims {
		if !now.Before(expires) {
			delete(d.claims, id)
		}
	}
	if _, ok := d.claims[messageID]; ok {
		return false, nil
	}
	d.claims[messageID] = now.Add(d.window)
	return true, nil
}

// Release implements DuplicateDetector
func (d *MemoryDuplicateDetector) Release(_ context.Context, messageID string) error {
	d.mu.Lock()
	delete(d.claims, messageID)
	d.mu.Unlock()
	return nil
}

// RedisClaimer is the part of a Redis client the detector uses. *redis.Client implements it.
type RedisClaimer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDuplicateDetector shares claims between processes with SET NX
type RedisDuplicateDetector struct {
	client RedisClaimer
	prefix string
	window time.Duration
}

// NewRedisDuplicateDetector creates a detector storing claims under prefix+messageID
func NewRedisDuplicateDetector(client RedisClaimer, prefix string, window time.Duration) *RedisDuplicateDetector {
	return &RedisDuplicateDetector{client: client, prefix: prefix, window: window}
}

// Claim implements DuplicateDetector
func (d *RedisDuplicateDetector) Claim(ctx context.Context, messageID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+messageID, 1, d.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim: %w", err)
	}
	return ok, nil
}

// Release implements DuplicateDetector
func (d *RedisDuplicateDetector) Release(ctx context.Context, messageID string) error {
	if err := d.client.Del(ctx, d.prefix+messageID).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
