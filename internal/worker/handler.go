// Package worker implements the posting worker runtime: a registry of
// per-platform handlers, an executor that decodes job payloads and runs the
// right handler, and a pool that pulls jobs from the governor API.
package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/serialization"
)

// Receipt is what a platform handler returns on a successful post
type Receipt struct {
	// PlatformPostID is the platform's identifier for the published post
	PlatformPostID string
	// PlatformURL is the public URL of the published post, if any
	PlatformURL string
}

// Handler publishes decoded post content to one platform on behalf of the
// account named in the job
type Handler func(ctx context.Context, j *dispatch.WorkerJob, content *serialization.PostContent) (Receipt, error)

// Registry manages platform handlers by platform name
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry creates a new handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for a specific platform
func (r *Registry) Register(platform string, handler Handler) {
	r.handlers[platform] = handler
}

// Get retrieves a handler by platform name. Returns the handler and a boolean indicating if it exists.
func (r *Registry) Get(platform string) (Handler, bool) {
	handler, exists := r.handlers[platform]
	return handler, exists
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	return len(r.handlers)
}

// Platforms returns the registered platform names, sorted
func (r *Registry) Platforms() []string {
	platforms := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}

// Execute runs the appropriate handler for a job
func (r *Registry) Execute(ctx context.Context, j *dispatch.WorkerJob, content *serialization.PostContent) (Receipt, error) {
	handler, exists := r.Get(j.Platform)
	if !exists {
		return Receipt{}, fmt.Errorf("no handler registered for platform: %s", j.Platform)
	}
	return handler(ctx, j, content)
}
