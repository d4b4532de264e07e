package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "papernote:auth:rl:"

// recordScript increments the failure counter and resets its expiry to the
// full window on every failure, so a burst at the end of a window extends
// blocking.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])

local current = redis.call("INCR", key)
redis.call("PEXPIRE", key, window_ms)
return current
`)

type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
	}
}

func (l *RedisLimiter) key(username, operation string) string {
	return l.prefix + operation + ":" + username
}

func (l *RedisLimiter) CheckAttempt(ctx context.Context, username, operation string) (Result, error) {
	if operation != OpLogin {
		return Result{Allowed: true}, nil
	}

	key := l.key(username, operation)
	pipe := l.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Result{}, err
	}

	attempts, err := getCmd.Int64()
	if err == redis.Nil {
		return Result{Allowed: true}, nil
	}
	if err != nil {
		return Result{}, err
	}

	if attempts < l.limit {
		return Result{Allowed: true, Attempts: attempts}, nil
	}

	retryAfter := ttlCmd.Val()
	if retryAfter < 0 {
		retryAfter = l.window
	}
	return Result{Allowed: false, RetryAfter: retryAfter, Attempts: attempts}, nil
}

func (l *RedisLimiter) RecordFailedAttempt(ctx context.Context, username, operation string) error {
	if operation != OpLogin {
		return nil
	}

	windowMS := int64(l.window / time.Millisecond)
	if windowMS <= 0 {
		return fmt.Errorf("invalid rate limit window")
	}

	return recordScript.Run(ctx, l.client, []string{l.key(username, operation)}, windowMS).Err()
}

func (l *RedisLimiter) ClearAttempts(ctx context.Context, username, operation string) error {
	if operation != OpLogin {
		return nil
	}
	return l.client.Del(ctx, l.key(username, operation)).Err()
}
