package pnlticks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/pnlticks/pkg/redis"
	"github.com/canopy-network/pnlticks/pkg/scheduler"
)

// redisLocker adapts the Redis lock to the scheduler's Locker.
type redisLocker struct {
	locker *redis.Locker
}

var _ scheduler.Locker = redisLocker{}

func (l redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (scheduler.Lock, error) {
	lock, err := l.locker.Acquire(ctx, key, ttl)
	if errors.Is(err, redis.ErrLockNotAcquired) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrLockHeld, key)
	}
	if err != nil {
		return nil, err
	}
	return redisLock{lock: lock}, nil
}

func (l redisLocker) TTL(ctx context.Context, key string) (time.Duration, error) {
	return l.locker.TTL(ctx, key)
}

type redisLock struct {
	lock *redis.Lock
}

func (l redisLock) Renew(ctx context.Context, ttl time.Duration) error {
	return mapLost(l.lock.Renew(ctx, ttl), l.lock.Key())
}

func (l redisLock) Release(ctx context.Context) error {
	return mapLost(l.lock.Release(ctx), l.lock.Key())
}

func mapLost(err error, key string) error {
	if errors.Is(err, redis.ErrLockLost) {
		return fmt.Errorf("%w: %s", scheduler.ErrLockLost, key)
	}
	return err
}
