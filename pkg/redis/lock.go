package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned by Acquire when another holder owns the key.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockLost is returned when the lock expired or changed hands.
	ErrLockLost = errors.New("lock lost")
)

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Locker hands out expiring mutual-exclusion locks keyed by name.
type Locker struct {
	client *Client
}

func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock. Only the holder's token can renew or release it.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes key for ttl or returns ErrLockNotAcquired.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// TTL returns the remaining expiry of key, or zero when the key is free.
func (l *Locker) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := l.client.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl of %s: %w", key, err)
	}
	// -2: no key, -1: no expiry
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

func (l *Lock) Key() string { return l.key }

// Renew pushes the expiry to ttl from now.
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, l.locker.client.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release frees the lock if it is still held by this holder.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.client.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
