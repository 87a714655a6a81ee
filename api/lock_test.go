package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

func newTestLock(t *testing.T) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLock(rc, log.New()), mr
}

func TestLockAcquireAndRelease(t *testing.T) {
	lock, _ := newTestLock(t)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second Acquire: err = %v, want ErrLockHeld", err)
	}
	// A different key is independent.
	if _, err := lock.Acquire(ctx, "assign:vehicle:v2", time.Minute); err != nil {
		t.Fatalf("Acquire other key: %v", err)
	}

	release(ctx)
	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Minute); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestLockExpiresByTTL(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Second); err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
}

func TestReleaseDoesNotStealTakenOverLock(t *testing.T) {
	lock, mr := newTestLock(t)
	ctx := context.Background()

	release, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Minute); err != nil {
		t.Fatalf("re-Acquire after expiry: %v", err)
	}

	// The stale holder's release must not free the new owner's lock.
	release(ctx)
	if _, err := lock.Acquire(ctx, "assign:vehicle:v1", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld (stale release stole the lock)", err)
	}
}
