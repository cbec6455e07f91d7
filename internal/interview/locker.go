package interview

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants a single holder per key until the TTL runs out or the holder
// releases it.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Refresh extends the TTL while token still holds key. It reports false
	// once the lock has expired or moved to another holder.
	Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// MemoryLocker is the in-process Locker used when no Redis is configured.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]memoryLock),
		clock: time.Now,
	}
}

func (l *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if current, ok := l.held[key]; ok && now.Before(current.expires) {
		return false, nil
	}

	l.held[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Refresh(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	current, ok := l.held[key]
	if !ok || current.token != token || !now.Before(current.expires) {
		return false, nil
	}

	l.held[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.held[key]; ok && current.token == token {
		delete(l.held, key)
	}
	return nil
}

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lock expired cannot free someone else's.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const refreshScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

type redisScripter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker shares interview locks between bot replicas.
type RedisLocker struct {
	client redisScripter
	prefix string
}

// NewRedisLocker wraps a go-redis client. Keys are stored under prefix.
func NewRedisLocker(client redisScripter, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *RedisLocker) Refresh(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	extended, err := l.client.Eval(ctx, refreshScript, []string{l.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	return extended == 1, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	err := l.client.Eval(ctx, releaseScript, []string{l.prefix + key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
