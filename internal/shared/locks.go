package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// LedgerLockKey builds redis keys guarding one party's bank ledger account.
func LedgerLockKey(partyType string, partyID int64) string {
	return fmt.Sprintf("ledger:%s:%d:lock", partyType, partyID)
}

// LockPort serialises critical sections across processes.
type LockPort interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Locker hands out redis locks. A nil Locker never blocks.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

// NewLocker wraps a redis client.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	}
}

// Acquire obtains key and returns its release func.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("shared: lock %s busy: %w", key, ErrConcurrencyConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	return func() {
		// the request context may already be cancelled
		_ = lock.Release(context.Background())
	}, nil
}
