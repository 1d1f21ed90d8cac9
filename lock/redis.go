package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
)

const (
	lockKeyPrefix  = "finetune:userlock:"
	acquireRetry   = 50 * time.Millisecond
	defaultLockTTL = 30 * time.Second
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock re-acquired by another replica is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a UserLocker backed by redis SET NX with a TTL, usable
// across replicas. The TTL bounds how long a crashed holder can block a
// user's submissions.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// NewRedisLocker creates a redis-backed locker. A non-positive ttl falls
// back to the default.
func NewRedisLocker(client *redis.Client, ttl time.Duration, baseLog *logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		ttl:    ttl,
		log:    baseLog.With("component", "RedisLocker"),
	}
}

// Acquire spins on SET NX until the lock is taken or ctx is done.
func (l *RedisLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	key := lockKeyPrefix + userID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire user lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetry):
		}
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.log.Warn("Failed to release user lock", "user_id", userID, "error", err)
		}
	}
	return release, nil
}
