// Package lock provides Redis-based distributed locking so singleton loops
// (health monitor, sweeper, analytics aggregator) run on exactly one
// governor instance at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is one held distributed lock
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Acquire attempts to take the lock. Returns nil (and no error) when another
// instance already holds it.
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.New().String()

	acquired, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, nil
	}

	return &Lock{client: client, key: key, token: token, ttl: ttl}, nil
}

// releaseScript deletes the lock only when we still own it
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Release gives the lock up if this instance still owns it
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	return err
}

// extendScript refreshes the TTL only when we still own the lock
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Extend refreshes the lock TTL for long-running work. Errors when the lock
// was lost to another instance.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("lock %s no longer owned by this instance", l.key)
	}
	l.ttl = ttl
	return nil
}
