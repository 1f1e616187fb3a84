// Package analytics rolls job outcome events up into worker statistics and
// decayed per-account performance scores. Aggregation is best-effort and
// read-side only: dispatch never waits on it.
package analytics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/archive"
	"github.com/postflow/governor/internal/lock"
	"github.com/postflow/governor/internal/logger"
)

// Aggregator consumes the job events stream and maintains rollups
type Aggregator struct {
	client    *redis.Client
	archive   *archive.Store
	keyPrefix string
	// halfLife controls how fast account scores decay; a success counts
	// half as much after one half-life has passed
	halfLife time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// NewAggregator creates an aggregator. The archive store may be nil, in
// which case rollups stay in Redis only.
func NewAggregator(client *redis.Client, arch *archive.Store, keyPrefix string, halfLife time.Duration) *Aggregator {
	return &Aggregator{
		client:    client,
		archive:   arch,
		keyPrefix: keyPrefix,
		halfLife:  halfLife,
		lockTTL:   2 * time.Minute,
		log:       logger.Default().WithComponent(logger.ComponentAnalytics),
	}
}

func (a *Aggregator) eventsKey() string                { return a.keyPrefix + "jobevents" }
func (a *Aggregator) cursorKey() string                { return a.keyPrefix + "analyticscursor" }
func (a *Aggregator) lockKey() string                  { return a.keyPrefix + "analyticslock" }
func (a *Aggregator) scoreKey(accountID string) string { return a.keyPrefix + "score:" + accountID }

// workerTally accumulates one worker's outcomes within a rollup pass
type workerTally struct {
	completed   int64
	failed      int64
	totalExecMS int64
	execSamples int64
	firstAt     time.Time
	lastAt      time.Time
}

// RunOnce performs one aggregation pass: reads job events past the cursor,
// updates account scores, and writes worker rollup rows. Held under a
// distributed lock so concurrent governor instances do not double-count.
// Returns the number of events consumed.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) (int, error) {
	l, err := lock.Acquire(ctx, a.client, a.lockKey(), a.lockTTL)
	if err != nil {
		return 0, err
	}
	if l == nil {
		a.log.Debug("Aggregation pass skipped, another instance holds the lock")
		return 0, nil
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			a.log.Warn("Failed to release aggregation lock", "error", err)
		}
	}()

	cursor, err := a.client.Get(ctx, a.cursorKey()).Result()
	if err == redis.Nil {
		cursor = "0-0"
	} else if err != nil {
		return 0, fmt.Errorf("failed to read aggregation cursor: %w", err)
	}

	msgs, err := a.client.XRange(ctx, a.eventsKey(), "("+cursor, "+").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read job events: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tallies := make(map[string]*workerTally)
	for _, msg := range msgs {
		workerID, _ := msg.Values["worker_id"].(string)
		accountID, _ := msg.Values["account_id"].(string)
		outcome, _ := msg.Values["outcome"].(string)
		at := eventTime(msg.Values["at"])

		t := tallies[workerID]
		if t == nil {
			t = &workerTally{firstAt: at}
			tallies[workerID] = t
		}
		if at.Before(t.firstAt) {
			t.firstAt = at
		}
		if at.After(t.lastAt) {
			t.lastAt = at
		}

		execMS := eventInt(msg.Values["exec_ms"])
		if execMS > 0 {
			t.totalExecMS += execMS
			t.execSamples++
		}

		switch outcome {
		case "completed":
			t.completed++
			if accountID != "" {
				if err := a.bumpScore(ctx, accountID, 1, at); err != nil {
					a.log.Warn("Failed to update account score", "account_id", accountID, "error", err)
				}
			}
		case "failed":
			t.failed++
		}
	}

	for workerID, t := range tallies {
		if err := a.writeRollup(ctx, workerID, t, now); err != nil {
			a.log.Error("Failed to write worker rollup", "worker_id", workerID, "error", err)
		}
	}

	lastID := msgs[len(msgs)-1].ID
	if err := a.client.Set(ctx, a.cursorKey(), lastID, 0).Err(); err != nil {
		return 0, fmt.Errorf("failed to advance aggregation cursor: %w", err)
	}

	a.log.Info("Aggregation pass complete",
		"events", len(msgs),
		"workers", len(tallies),
		"cursor", lastID)
	return len(msgs), nil
}

// bumpScore decays the stored score to the event time and adds the delta
func (a *Aggregator) bumpScore(ctx context.Context, accountID string, delta float64, at time.Time) error {
	key := a.scoreKey(accountID)
	vals, err := a.client.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}

	score := 0.0
	var updatedAt time.Time
	if raw, ok := vals["score"]; ok {
		score, _ = strconv.ParseFloat(raw, 64)
	}
	if raw, ok := vals["updated_at"]; ok {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			updatedAt = time.Unix(ts, 0)
		}
	}

	score = decay(score, updatedAt, at, a.halfLife) + delta

	return a.client.HSet(ctx, key,
		"score", strconv.FormatFloat(score, 'f', 6, 64),
		"updated_at", at.Unix(),
	).Err()
}

// Score returns the account's performance score decayed to now. Returns
// ok=false when the account has no score yet.
func (a *Aggregator) Score(ctx context.Context, accountID string, now time.Time) (float64, bool, error) {
	vals, err := a.client.HGetAll(ctx, a.scoreKey(accountID)).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read account score: %w", err)
	}
	raw, ok := vals["score"]
	if !ok {
		return 0, false, nil
	}

	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed score for account %s: %w", accountID, err)
	}
	var updatedAt time.Time
	if rawTS, ok := vals["updated_at"]; ok {
		if ts, err := strconv.ParseInt(rawTS, 10, 64); err == nil {
			updatedAt = time.Unix(ts, 0)
		}
	}

	return decay(score, updatedAt, now, a.halfLife), true, nil
}

func (a *Aggregator) writeRollup(ctx context.Context, workerID string, t *workerTally, now time.Time) error {
	if a.archive == nil {
		return nil
	}

	total := t.completed + t.failed
	var successRate float64
	if total > 0 {
		successRate = float64(t.completed) / float64(total)
	}
	var avgExecMS int64
	if t.execSamples > 0 {
		avgExecMS = t.totalExecMS / t.execSamples
	}

	period := t.lastAt.Sub(t.firstAt)
	var utilization float64
	if period > 0 {
		busy := time.Duration(t.totalExecMS) * time.Millisecond
		utilization = math.Min(1, busy.Seconds()/period.Seconds())
	}

	return a.archive.UpsertWorkerAnalytics(ctx, archive.AnalyticsRow{
		WorkerID:      workerID,
		PeriodStart:   t.firstAt.UTC(),
		PeriodEnd:     now.UTC(),
		JobsCompleted: t.completed,
		JobsFailed:    t.failed,
		SuccessRate:   successRate,
		AvgExecMS:     avgExecMS,
		Utilization:   utilization,
	})
}

// decay applies exponential half-life decay to a score between two points in
// time. A zero updatedAt means the score is fresh.
func decay(score float64, updatedAt, now time.Time, halfLife time.Duration) float64 {
	if updatedAt.IsZero() || halfLife <= 0 || !now.After(updatedAt) {
		return score
	}
	elapsed := now.Sub(updatedAt)
	return score * math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}

func eventTime(v interface{}) time.Time {
	if s, ok := v.(string); ok {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(ts, 0).UTC()
		}
	}
	return time.Time{}
}

func eventInt(v interface{}) int64 {
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
