package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix            = "reservations:lock:event:"
	defaultRetryInterval = 20 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired lock re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
// Locks expire after ttl so a crashed holder cannot wedge an event.
type RedisLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	log           *zap.Logger
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	return &RedisLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: defaultRetryInterval,
		log:           log,
	}
}

// Lock implements Locker by polling SET NX until it succeeds or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := keyPrefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetArgs(ctx, k, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Result()
		switch {
		case err == nil && ok == "OK":
			return func() { l.release(k, token) }, nil
		case err != nil && !errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return nil, errors.Join(ErrNotAcquired, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		l.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		return
	}
	if n == 0 {
		l.log.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
	}
}
