package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupQueue(t *testing.T) (*DueQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewDueQueue(client, "governor:"), client
}

func testPost(id string, due time.Time) *ScheduledPost {
	return &ScheduledPost{
		ID:         id,
		Platform:   "twitter",
		PayloadRef: "content/" + id,
		GroupHints: []string{"grp-1"},
		DueAt:      due,
	}
}

func TestEnqueueRejectsInvalidPost(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	bad := &ScheduledPost{ID: "p1", Platform: "twitter", DueAt: time.Now()}
	if err := q.Enqueue(ctx, bad); err == nil {
		t.Fatal("expected error for post without group hints")
	}
	if err := q.Enqueue(ctx, &ScheduledPost{Platform: "twitter", GroupHints: []string{"g"}}); err == nil {
		t.Fatal("expected error for post without id")
	}
}

func TestPopDueClaimsEachPostOnce(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

	for _, p := range []*ScheduledPost{
		testPost("p1", now.Add(-2*time.Minute)),
		testPost("p2", now.Add(-time.Minute)),
		testPost("p3", now.Add(time.Hour)),
	} {
		if err := q.Enqueue(ctx, p); err != nil {
			t.Fatalf("Enqueue(%s): %v", p.ID, err)
		}
	}

	due, err := q.PopDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due posts, want 2", len(due))
	}
	if due[0].ID != "p1" || due[1].ID != "p2" {
		t.Fatalf("got posts %s, %s; want p1, p2 in due order", due[0].ID, due[1].ID)
	}

	// Claiming removed them from the feed
	again, err := q.PopDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second PopDue: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim returned %d posts, want 0", len(again))
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (future post still scheduled)", depth)
	}
}

func TestPopDueHonorsLimit(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"p1", "p2", "p3"} {
		if err := q.Enqueue(ctx, testPost(id, now.Add(-time.Minute))); err != nil {
			t.Fatalf("Enqueue(%s): %v", id, err)
		}
	}

	due, err := q.PopDue(ctx, now, 2)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d posts, want batch of 2", len(due))
	}
}

func TestRequeueRestoresScheduleEntry(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

	if err := q.Enqueue(ctx, testPost("p1", now.Add(-time.Minute))); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.PopDue(ctx, now, 10); err != nil {
		t.Fatalf("PopDue: %v", err)
	}

	later := now.Add(30 * time.Second)
	if err := q.Requeue(ctx, "p1", later); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// Not due yet at the original time
	due, err := q.PopDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("post came back before its requeue time")
	}

	due, err = q.PopDue(ctx, later, 10)
	if err != nil {
		t.Fatalf("PopDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "p1" {
		t.Fatalf("requeued post not claimable at its new time: %v", due)
	}
	// Body survived the round trip
	if due[0].PayloadRef != "content/p1" {
		t.Fatalf("payload ref = %q, want content/p1", due[0].PayloadRef)
	}
}

func TestGetUnknownPost(t *testing.T) {
	q, _ := setupQueue(t)
	if _, err := q.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown post id")
	}
}
