// Package delivery is the write-back channel to the CRUD layer: the final
// delivery status of every scheduled post lands here once its assignment
// reaches a terminal state.
package delivery

import (
	"context"
	"time"
)

// Outcome is the terminal result of a scheduled post
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status is the final delivery record for one scheduled post
type Status struct {
	PostID         string    `json:"post_id"`
	Outcome        Outcome   `json:"outcome"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	PlatformURL    string    `json:"platform_url,omitempty"`
	Error          string    `json:"error,omitempty"`
	AccountID      string    `json:"account_id"`
	WorkerID       string    `json:"worker_id,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Backend stores and retrieves delivery statuses
type Backend interface {
	// StoreStatus writes the terminal status for a post; overwriting with
	// the same status is a no-op so duplicate result reports stay harmless
	StoreStatus(ctx context.Context, st Status) error

	// GetStatus returns the status for a post, or nil when the post has not
	// reached a terminal state yet
	GetStatus(ctx context.Context, postID string) (*Status, error)

	// WaitForStatus blocks until a status is available or the timeout
	// passes; returns nil with no error on timeout
	WaitForStatus(ctx context.Context, postID string, timeout time.Duration) (*Status, error)

	// Close releases backend resources
	Close() error
}
