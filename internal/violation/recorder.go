// Package violation appends an immutable log entry for every denied posting
// attempt. Recording is fire-and-forget: it never blocks and never fails the
// caller, so a slow sink can only ever cost log entries, not throughput.
package violation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/archive"
	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/scope"
)

// streamMaxLen caps the Redis stream; older entries live on in the archive
const streamMaxLen = 10000

// Entry is one denial record. Entries are append-only and never mutated.
type Entry struct {
	At      time.Time          `json:"at"`
	Scope   scope.Scope        `json:"scope"`
	Code    formula.DenialCode `json:"code"`
	Message string             `json:"message"`
	// Action is the attempted action, e.g. "post"
	Action string `json:"action"`
	// Usage snapshot at the time of denial
	Used          int64         `json:"used"`
	Limit         int64         `json:"limit"`
	SinceLastPost time.Duration `json:"since_last_post"`
}

// FromDecision builds an entry out of an evaluator denial
func FromDecision(action string, d formula.Decision, at time.Time) Entry {
	return Entry{
		At:            at,
		Scope:         d.Scope,
		Code:          d.Code,
		Message:       d.Message,
		Action:        action,
		Used:          d.Usage.Used,
		Limit:         d.Usage.Limit,
		SinceLastPost: d.SinceLastPost,
	}
}

// Recorder drains entries into a Redis stream and, when configured, the
// SQLite archive
type Recorder struct {
	client    *redis.Client
	archive   *archive.Store
	keyPrefix string
	log       logger.Logger

	buffer    chan Entry
	dropped   atomic.Int64
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRecorder creates and starts a recorder. arch may be nil to skip the
// durable archive.
func NewRecorder(client *redis.Client, arch *archive.Store, keyPrefix string) *Recorder {
	r := &Recorder{
		client:    client,
		archive:   arch,
		keyPrefix: keyPrefix,
		log:       logger.Default().WithComponent(logger.ComponentViolation),
		buffer:    make(chan Entry, 1024),
		closeChan: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) streamKey() string {
	return r.keyPrefix + "violations"
}

// Record queues one entry. It never blocks: when the buffer is full the
// entry is counted as dropped instead.
func (r *Recorder) Record(e Entry) {
	select {
	case r.buffer <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports how many entries were discarded because the buffer was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the drain goroutine after flushing queued entries
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.closeChan)
	})
	r.wg.Wait()
}

// Recent returns up to count entries from the stream, newest first
func (r *Recorder) Recent(ctx context.Context, count int64) ([]Entry, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.streamKey(), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *Recorder) drain() {
	defer r.wg.Done()

	for {
		select {
		case e := <-r.buffer:
			r.write(e)
		case <-r.closeChan:
			for {
				select {
				case e := <-r.buffer:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

// write persists one entry to both sinks; failures are logged and swallowed
// so recording can never propagate an error to the evaluation path
func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		r.log.Error("Failed to marshal violation entry", "error", err)
		return
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamKey(),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"entry": string(data)},
	}).Err()
	if err != nil {
		r.log.Error("Failed to append violation to stream",
			"scope", e.Scope.Key(),
			"code", e.Code,
			"error", err)
	}

	if r.archive != nil {
		row := archive.ViolationRow{
			OccurredAt:  e.At,
			ScopeKey:    e.Scope.Key(),
			Code:        string(e.Code),
			Message:     e.Message,
			Action:      e.Action,
			Used:        e.Used,
			Limit:       e.Limit,
			SinceLastMS: e.SinceLastPost.Milliseconds(),
		}
		if err := r.archive.InsertViolation(ctx, row); err != nil {
			r.log.Error("Failed to archive violation",
				"scope", e.Scope.Key(),
				"code", e.Code,
				"error", err)
		}
	}
}
