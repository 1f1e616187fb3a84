package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/serialization"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if r.Count() != 0 {
		t.Fatalf("expected empty registry, got %d handlers", r.Count())
	}

	r.Register("twitter", NewSimulatedHandler("twitter", 0))
	r.Register("instagram", NewSimulatedHandler("instagram", 0))

	if r.Count() != 2 {
		t.Fatalf("expected 2 handlers, got %d", r.Count())
	}

	if _, ok := r.Get("twitter"); !ok {
		t.Error("expected twitter handler to exist")
	}
	if _, ok := r.Get("tiktok"); ok {
		t.Error("did not expect tiktok handler to exist")
	}

	platforms := r.Platforms()
	if len(platforms) != 2 || platforms[0] != "instagram" || platforms[1] != "twitter" {
		t.Errorf("unexpected platform list: %v", platforms)
	}
}

func TestRegistryExecuteUnknownPlatform(t *testing.T) {
	r := NewRegistry()
	j := &dispatch.WorkerJob{ID: "job-1", Platform: "mastodon"}

	_, err := r.Execute(context.Background(), j, &serialization.PostContent{Text: "hi"})
	if err == nil {
		t.Fatal("expected error for unregistered platform")
	}
}

func TestRegistryExecuteRoutesByPlatform(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Register("twitter", func(_ context.Context, j *dispatch.WorkerJob, _ *serialization.PostContent) (Receipt, error) {
		got = j.Platform
		return Receipt{PlatformPostID: "p1"}, nil
	})

	j := &dispatch.WorkerJob{ID: "job-1", Platform: "twitter", Payload: json.RawMessage(`{"text":"hi"}`)}
	receipt, err := r.Execute(context.Background(), j, &serialization.PostContent{Text: "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got != "twitter" {
		t.Errorf("handler saw platform %q, want twitter", got)
	}
	if receipt.PlatformPostID != "p1" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}
