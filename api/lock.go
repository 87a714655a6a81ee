package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrLockHeld means another request currently owns the key.
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the key only if this caller still owns it, so an
// expired lock taken over by someone else is never released by accident.
var releaseScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)

// RedisLock is a single-instance SETNX lock with a TTL backstop. The TTL
// bounds how long a crashed holder can block others.
type RedisLock struct {
	client *redis.Client
	logger *log.Logger
}

func NewRedisLock(client *redis.Client, logger *log.Logger) *RedisLock {
	return &RedisLock{client: client, logger: logger}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			l.logger.WithError(err).WithField("key", key).Error("failed to release lock")
		}
	}
	return release, nil
}
