package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// popDueScript atomically claims up to ARGV[2] members of the due set whose
// score is at or before ARGV[1]. Claiming removes the member, so two governor
// instances polling the same feed never both see a post.
var popDueScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for i = 1, #ids do
	redis.call("ZREM", KEYS[1], ids[i])
end
return ids
`)

// DueQueue is the feed of due scheduled posts. The CRUD layer enqueues;
// governor instances claim. Posts that cannot be placed yet are re-queued
// for a later tick.
type DueQueue struct {
	client    *redis.Client
	keyPrefix string
}

// NewDueQueue creates the due-post feed on an existing Redis client
func NewDueQueue(client *redis.Client, keyPrefix string) *DueQueue {
	return &DueQueue{client: client, keyPrefix: keyPrefix}
}

func (q *DueQueue) dueKey() string           { return q.keyPrefix + "due" }
func (q *DueQueue) postKey(id string) string { return q.keyPrefix + "post:" + id }

// Enqueue stores the post body and schedules it on the due set
func (q *DueQueue) Enqueue(ctx context.Context, post *ScheduledPost) error {
	if err := post.Validate(); err != nil {
		return fmt.Errorf("invalid scheduled post: %w", err)
	}
	data, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled post: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, q.postKey(post.ID), data, 0)
	pipe.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(post.DueAt.Unix()), Member: post.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue scheduled post: %w", err)
	}
	return nil
}

// PopDue claims up to limit posts due at or before now
func (q *DueQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledPost, error) {
	raw, err := popDueScript.Run(ctx, q.client, []string{q.dueKey()}, now.Unix(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop due posts: %w", err)
	}

	ids, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected due pop reply: %v", raw)
	}

	out := make([]*ScheduledPost, 0, len(ids))
	for _, v := range ids {
		id, ok := v.(string)
		if !ok {
			continue
		}
		post, err := q.Get(ctx, id)
		if err != nil {
			// The post body went missing; skip rather than wedge the tick
			continue
		}
		out = append(out, post)
	}
	return out, nil
}

// Requeue puts a claimed post back on the due set for a later tick. The post
// body is still stored, only the schedule entry returns.
func (q *DueQueue) Requeue(ctx context.Context, postID string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.dueKey(), redis.Z{Score: float64(at.Unix()), Member: postID}).Err()
	if err != nil {
		return fmt.Errorf("failed to requeue post: %w", err)
	}
	return nil
}

// Get loads one stored post body
func (q *DueQueue) Get(ctx context.Context, postID string) (*ScheduledPost, error) {
	data, err := q.client.Get(ctx, q.postKey(postID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("scheduled post %s not found", postID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduled post: %w", err)
	}
	var post ScheduledPost
	if err := json.Unmarshal([]byte(data), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scheduled post: %w", err)
	}
	return &post, nil
}

// Depth reports how many posts are waiting on the due set
func (q *DueQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.dueKey()).Result()
}
