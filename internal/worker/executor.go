package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/postflow/governor/internal/dispatch"
	apperrors "github.com/postflow/governor/internal/errors"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/serialization"
)

// Executor decodes job payloads, runs the platform handler under a timeout,
// and turns the outcome into a result the governor can record
type Executor struct {
	registry   *Registry
	serializer *serialization.Serializer
	jobTimeout time.Duration
	log        logger.Logger
}

// NewExecutor creates an executor over a handler registry. The serializer
// handles both JSON and prefix-framed protobuf payloads.
func NewExecutor(registry *Registry, jobTimeout time.Duration) *Executor {
	return &Executor{
		registry:   registry,
		serializer: serialization.NewSerializer(serialization.FormatJSON),
		jobTimeout: jobTimeout,
		log:        logger.Default().WithComponent(logger.ComponentWorker),
	}
}

// Execute runs a single job and returns the result to report. Handler
// panics are recovered and reported as failures; they never take the worker
// down.
func (e *Executor) Execute(ctx context.Context, j *dispatch.WorkerJob) dispatch.JobResult {
	start := time.Now()

	content, err := serialization.DecodePayload(e.serializer, j.Payload)
	if err != nil {
		e.log.Error("Failed to decode job payload",
			"job_id", j.ID,
			"post_id", j.PostID,
			"error", err)
		return dispatch.JobResult{
			Success:       false,
			Error:         fmt.Sprintf("payload decode failed: %v", err),
			ExecutionTime: time.Since(start),
		}
	}

	jobCtx := ctx
	if e.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, e.jobTimeout)
		defer cancel()
	}

	e.log.Info("Executing job",
		"job_id", j.ID,
		"post_id", j.PostID,
		"platform", j.Platform,
		"account_id", j.AccountID)

	var receipt Receipt
	err = apperrors.Safe(func() error {
		var herr error
		receipt, herr = e.registry.Execute(jobCtx, j, content)
		return herr
	})
	duration := time.Since(start)

	if err != nil {
		if jobCtx.Err() != nil {
			err = fmt.Errorf("job timed out after %v: %w", duration, jobCtx.Err())
		}
		e.log.Error("Job failed",
			"job_id", j.ID,
			"post_id", j.PostID,
			"duration", duration,
			"error", err)
		return dispatch.JobResult{
			Success:       false,
			Error:         err.Error(),
			ExecutionTime: duration,
		}
	}

	e.log.Info("Job completed",
		"job_id", j.ID,
		"post_id", j.PostID,
		"platform_post_id", receipt.PlatformPostID,
		"duration", duration)
	return dispatch.JobResult{
		Success:        true,
		PlatformPostID: receipt.PlatformPostID,
		PlatformURL:    receipt.PlatformURL,
		ExecutionTime:  duration,
	}
}
