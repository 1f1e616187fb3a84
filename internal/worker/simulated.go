package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/serialization"
)

// NewSimulatedHandler returns a handler that pretends to publish to the
// given platform after a fixed delay. Useful for load testing a deployment
// and for local development without platform credentials.
func NewSimulatedHandler(platform string, delay time.Duration) Handler {
	return func(ctx context.Context, j *dispatch.WorkerJob, content *serialization.PostContent) (Receipt, error) {
		if content.Text == "" && len(content.MediaURLs) == 0 {
			return Receipt{}, fmt.Errorf("post has no text and no media")
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Receipt{}, ctx.Err()
			case <-timer.C:
			}
		}

		id := uuid.New().String()
		return Receipt{
			PlatformPostID: id,
			PlatformURL:    fmt.Sprintf("https://%s.example.com/%s/posts/%s", platform, j.AccountID, id),
		}, nil
	}
}
