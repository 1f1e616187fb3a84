package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on Redis. Statuses are kept with separate
// TTLs for delivered and failed posts, and a publish on every store lets
// waiters wake up without polling tightly.
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	successTTL time.Duration
	failureTTL time.Duration
}

// NewRedisBackend creates a delivery status backend
func NewRedisBackend(client *redis.Client, keyPrefix string, successTTL, failureTTL time.Duration) *RedisBackend {
	return &RedisBackend{
		client:     client,
		keyPrefix:  keyPrefix,
		successTTL: successTTL,
		failureTTL: failureTTL,
	}
}

func (b *RedisBackend) statusKey(postID string) string {
	return b.keyPrefix + "delivery:" + postID
}

func (b *RedisBackend) notifyChannel(postID string) string {
	return b.keyPrefix + "delivery:notify:" + postID
}

// StoreStatus writes the terminal status for a post. The first writer wins:
// a post already carrying a status keeps it, which makes duplicate result
// reports harmless.
func (b *RedisBackend) StoreStatus(ctx context.Context, st Status) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery status: %w", err)
	}

	ttl := b.successTTL
	if st.Outcome != OutcomeDelivered {
		ttl = b.failureTTL
	}

	set, err := b.client.SetNX(ctx, b.statusKey(st.PostID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store delivery status: %w", err)
	}
	if !set {
		return nil
	}

	// Best effort wake-up for waiters
	_ = b.client.Publish(ctx, b.notifyChannel(st.PostID), "ready").Err()
	return nil
}

// GetStatus returns the stored status, or nil when none exists yet
func (b *RedisBackend) GetStatus(ctx context.Context, postID string) (*Status, error) {
	data, err := b.client.Get(ctx, b.statusKey(postID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery status: %w", err)
	}
	var st Status
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal delivery status: %w", err)
	}
	return &st, nil
}

// WaitForStatus blocks until a status shows up or the timeout passes
func (b *RedisBackend) WaitForStatus(ctx context.Context, postID string, timeout time.Duration) (*Status, error) {
	// Check first so an already terminal post returns immediately
	st, err := b.GetStatus(ctx, postID)
	if err != nil || st != nil {
		return st, err
	}

	sub := b.client.Subscribe(ctx, b.notifyChannel(postID))
	defer sub.Close()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// Re-check after subscribing to close the race with a store that
	// happened in between
	st, err = b.GetStatus(ctx, postID)
	if err != nil || st != nil {
		return st, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-sub.Channel():
			st, err := b.GetStatus(ctx, postID)
			if err != nil || st != nil {
				return st, err
			}
		}
	}
}

// Close is a no-op; the shared Redis client is owned by the caller
func (b *RedisBackend) Close() error {
	return nil
}
