package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker is a TTL-based mutual exclusion primitive over a shared key space.
// Acquire reports false when the key is already held; callers must then skip
// the protected work entirely. Release is best-effort: the TTL remains the
// safety net against a crashed holder. Not reentrant, and there is no
// ownership token: a holder that outlives the TTL can release a lock it no
// longer owns.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type redisLocker struct {
	client redis.Cmdable
	// Namespace separates environments sharing one Redis instance.
	namespace string
}

func New(client redis.Cmdable, namespace string) Locker {
	return &redisLocker{client: client, namespace: namespace}
}

func (l *redisLocker) key(key string) string {
	if l.namespace == "" {
		return key
	}
	return fmt.Sprintf("%s:%s", l.namespace, key)
}

func (l *redisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), "locked", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

func (l *redisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.key(key)).Err()
}
