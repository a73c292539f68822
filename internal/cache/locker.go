package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned when refreshing or releasing a lock owned by someone else.
var ErrLockNotHeld = errors.New("lock not owned by this client")

// Locker hands out short-lived named locks identified by an owner token.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error)
	Refresh(ctx context.Context, key, token string, ttl time.Duration) error
	Unlock(ctx context.Context, key, token string) error
}

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker implements Locker with SET NX and owner-checked scripts.
type RedisLocker struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, log *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, log: log}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, string, error) {
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		l.log.Error("cache.RedisLocker.TryLock error calling SetNX", zap.String("key", key), zap.Error(err))
		return false, "", fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !acquired {
		l.log.Debug("cache.RedisLocker.TryLock not acquired", zap.String("key", key))
		return false, "", nil
	}
	l.log.Debug("cache.RedisLocker.TryLock acquired lock", zap.String("key", key), zap.Duration("ttl", ttl))
	return true, token, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis refresh %s: %w", key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	n, err := unlockScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		l.log.Error("cache.RedisLocker.Unlock error", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if n == 0 {
		l.log.Warn("cache.RedisLocker.Unlock lock ownership mismatch", zap.String("key", key))
		return ErrLockNotHeld
	}
	return nil
}

type localLock struct {
	token   string
	expires time.Time
}

// LocalLocker is a process-local Locker for single-replica deployments without redis.
type LocalLocker struct {
	clock clockwork.Clock
	mu    sync.Mutex
	locks map[string]localLock
}

func NewLocalLocker(clock clockwork.Clock) *LocalLocker {
	return &LocalLocker{clock: clock, locks: make(map[string]localLock)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if held, ok := l.locks[key]; ok && now.Before(held.expires) {
		return false, "", nil
	}
	token := uuid.NewString()
	l.locks[key] = localLock{token: token, expires: now.Add(ttl)}
	return true, token, nil
}

func (l *LocalLocker) Refresh(_ context.Context, key, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok || held.token != token {
		return ErrLockNotHeld
	}
	held.expires = l.clock.Now().Add(ttl)
	l.locks[key] = held
	return nil
}

func (l *LocalLocker) Unlock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.locks[key]
	if !ok || held.token != token {
		return ErrLockNotHeld
	}
	delete(l.locks, key)
	return nil
}
