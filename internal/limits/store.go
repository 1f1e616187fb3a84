// Package limits implements the scoped usage counter store. Counters live in
// Redis, one hash per (scope, action, window, windowStart) key, and every
// reservation is a single conditional Lua update so concurrent callers observe
// a linearizable check-then-increment with no read-modify-write gap.
package limits

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/scope"
)

// retentionGrace is how long an exhausted window bucket is kept around after
// windowEnd so operators and the sweeper can still read it.
const retentionGrace = 7 * 24 * time.Hour

// reserveScript performs the atomic multi-counter reservation. All buckets are
// checked before any is incremented, so a denial on one scope never leaks
// usage into another. The limit is frozen into the bucket at first touch and
// never changed for an already-open window.
//
// KEYS[1..n]  counter hashes, KEYS[n+1] idempotency key
// ARGV[1]     n
// ARGV[2]     idempotency TTL in seconds (0 disables the check)
// ARGV[3+i*3] per counter: limit, windowEnd (unix), retention TTL (seconds)
//
// Returns {status, index, used, limit} where status is
// 1 = allowed, 0 = denied at counter index, 2 = duplicate idempotency key.
var reserveScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local idemTTL = tonumber(ARGV[2])
if idemTTL > 0 then
	if redis.call("EXISTS", KEYS[n+1]) == 1 then
		return {2, 0, 0, 0}
	end
end
for i = 1, n do
	local base = 3 + (i-1)*3
	if redis.call("EXISTS", KEYS[i]) == 0 then
		redis.call("HSET", KEYS[i], "used", 0, "limit", ARGV[base], "window_end", ARGV[base+1])
		redis.call("EXPIRE", KEYS[i], ARGV[base+2])
	end
end
for i = 1, n do
	local used = tonumber(redis.call("HGET", KEYS[i], "used"))
	local limit = tonumber(redis.call("HGET", KEYS[i], "limit"))
	if used >= limit then
		return {0, i, used, limit}
	end
end
for i = 1, n do
	redis.call("HINCRBY", KEYS[i], "used", 1)
end
if idemTTL > 0 then
	redis.call("SET", KEYS[n+1], "1", "EX", idemTTL)
end
return {1, 0, 0, 0}
`)

// Store is the Redis-backed limit counter store
type Store struct {
	client    *redis.Client
	keyPrefix string
	idemTTL   time.Duration
}

// NewStore creates a counter store on an existing Redis client
func NewStore(client *redis.Client, keyPrefix string) *Store {
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		idemTTL:   24 * time.Hour,
	}
}

// Reservation names one counter bucket a reservation must pass through
type Reservation struct {
	Scope  scope.Scope
	Window Window
	// Limit is copied into the bucket when it is lazily created; an already
	// open bucket keeps the limit it was created with.
	Limit int64
}

// Usage is a point-in-time view of one counter bucket
type Usage struct {
	Used  int64 `json:"used"`
	Limit int64 `json:"limit"`
}

// Remaining returns the headroom left in the bucket
func (u Usage) Remaining() int64 {
	if u.Limit > u.Used {
		return u.Limit - u.Used
	}
	return 0
}

// Fraction returns used/limit, 0 when the bucket has no limit yet
func (u Usage) Fraction() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Used) / float64(u.Limit)
}

// Denial describes which counter rejected a reservation
type Denial struct {
	Scope  scope.Scope
	Window Window
	Usage  Usage
}

// Result is the outcome of a reservation attempt
type Result struct {
	// Allowed is true when every counter had headroom and usage was committed
	Allowed bool
	// Duplicate is true when the idempotency key was already consumed; no
	// counter was incremented, the earlier reservation stands
	Duplicate bool
	// Denied is set when Allowed is false
	Denied *Denial
}

// CounterRow is the archived form of an expired bucket
type CounterRow struct {
	ScopeKey    string
	Action      string
	Window      Window
	WindowStart time.Time
	WindowEnd   time.Time
	Used        int64
	Limit       int64
}

// Archiver receives expired counter buckets from the sweeper
type Archiver interface {
	ArchiveCounter(ctx context.Context, row CounterRow) error
}

func (s *Store) counterKey(sc scope.Scope, action string, w Window, start time.Time) string {
	var b strings.Builder
	b.WriteString(s.keyPrefix)
	b.WriteString("counter:")
	b.WriteString(sc.Key())
	b.WriteString(":")
	b.WriteString(action)
	b.WriteString(":")
	b.WriteString(string(w))
	b.WriteString(":")
	b.WriteString(strconv.FormatInt(start.Unix(), 10))
	return b.String()
}

func (s *Store) idemKey(id string) string {
	return s.keyPrefix + "reserve:" + id
}

// Reserve atomically consumes one unit of usage from every listed counter, or
// none of them. idemKey deduplicates repeat attempts for the same job: a
// second call with the same key reports Duplicate without incrementing.
// Buckets past their windowEnd are never touched because the bucket key is
// derived from the window containing at.
func (s *Store) Reserve(ctx context.Context, action string, at time.Time, idemKey string, resv []Reservation) (Result, error) {
	if len(resv) == 0 {
		return Result{Allowed: true}, nil
	}

	keys := make([]string, 0, len(resv)+1)
	argv := make([]interface{}, 0, 2+len(resv)*3)
	argv = append(argv, len(resv))
	if idemKey != "" {
		argv = append(argv, int64(s.idemTTL.Seconds()))
	} else {
		argv = append(argv, 0)
	}

	for _, r := range resv {
		start, end := r.Window.Bounds(at)
		keys = append(keys, s.counterKey(r.Scope, action, r.Window, start))
		ttl := int64(end.Add(retentionGrace).Sub(at).Seconds())
		if ttl < 1 {
			ttl = 1
		}
		argv = append(argv, r.Limit, end.Unix(), ttl)
	}
	keys = append(keys, s.idemKey(idemKey))

	raw, err := reserveScript.Run(ctx, s.client, keys, argv...).Result()
	if err != nil {
		return Result{}, fmt.Errorf("failed to run reserve script: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 4 {
		return Result{}, fmt.Errorf("unexpected reserve script reply: %v", raw)
	}

	status := toInt64(vals[0])
	switch status {
	case 1:
		return Result{Allowed: true}, nil
	case 2:
		return Result{Allowed: true, Duplicate: true}, nil
	case 0:
		idx := int(toInt64(vals[1])) - 1
		if idx < 0 || idx >= len(resv) {
			return Result{}, fmt.Errorf("reserve script returned invalid counter index %d", idx+1)
		}
		return Result{
			Allowed: false,
			Denied: &Denial{
				Scope:  resv[idx].Scope,
				Window: resv[idx].Window,
				Usage:  Usage{Used: toInt64(vals[2]), Limit: toInt64(vals[3])},
			},
		}, nil
	default:
		return Result{}, fmt.Errorf("reserve script returned unknown status %d", status)
	}
}

// Usage reads the current bucket for one (scope, action, window). A bucket
// that was never created reads as zero usage against the given fallback limit.
func (s *Store) Usage(ctx context.Context, sc scope.Scope, action string, w Window, at time.Time, fallbackLimit int64) (Usage, error) {
	start, _ := w.Bounds(at)
	vals, err := s.client.HMGet(ctx, s.counterKey(sc, action, w, start), "used", "limit").Result()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read counter: %w", err)
	}
	u := Usage{Used: 0, Limit: fallbackLimit}
	if v, ok := vals[0].(string); ok {
		u.Used, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[1].(string); ok {
		u.Limit, _ = strconv.ParseInt(v, 10, 64)
	}
	return u, nil
}

// Snapshot is a read-only view of a set of counters keyed by SnapKey
type Snapshot map[string]Usage

// SnapKey is the snapshot map key for one (scope, window) pair
func SnapKey(sc scope.Scope, w Window) string {
	return sc.Key() + "|" + string(w)
}

// Snapshot reads every listed counter in one pipeline round trip. Buckets not
// yet created read as zero usage against the reservation's limit.
func (s *Store) Snapshot(ctx context.Context, action string, at time.Time, resv []Reservation) (Snapshot, error) {
	if len(resv) == 0 {
		return Snapshot{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(resv))
	for i, r := range resv {
		start, _ := r.Window.Bounds(at)
		cmds[i] = pipe.HMGet(ctx, s.counterKey(r.Scope, action, r.Window, start), "used", "limit")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}

	snap := make(Snapshot, len(resv))
	for i, r := range resv {
		u := Usage{Used: 0, Limit: r.Limit}
		vals := cmds[i].Val()
		if len(vals) == 2 {
			if v, ok := vals[0].(string); ok {
				u.Used, _ = strconv.ParseInt(v, 10, 64)
			}
			if v, ok := vals[1].(string); ok {
				u.Limit, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		snap[SnapKey(r.Scope, r.Window)] = u
	}
	return snap, nil
}

// Sweep scans for buckets whose window ended before now minus the retention
// grace, hands each to the archiver, then deletes the live key. Correctness
// never depends on the sweep running: expired buckets are unreachable because
// bucket keys are derived from the current window.
func (s *Store) Sweep(ctx context.Context, archive Archiver, now time.Time) (int, error) {
	var cursor uint64
	swept := 0
	cutoff := now.Add(-retentionGrace).Unix()
	pattern := s.keyPrefix + "counter:*"

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return swept, fmt.Errorf("failed to scan counters: %w", err)
		}

		for _, key := range keys {
			row, ok, err := s.loadRow(ctx, key)
			if err != nil || !ok {
				continue
			}
			if row.WindowEnd.Unix() >= cutoff {
				continue
			}
			if archive != nil {
				if err := archive.ArchiveCounter(ctx, row); err != nil {
					return swept, fmt.Errorf("failed to archive counter %s: %w", key, err)
				}
			}
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return swept, fmt.Errorf("failed to delete counter %s: %w", key, err)
			}
			swept++
		}

		cursor = next
		if cursor == 0 {
			return swept, nil
		}
	}
}

// loadRow parses one counter key plus its hash back into an archive row
func (s *Store) loadRow(ctx context.Context, key string) (CounterRow, bool, error) {
	rest := strings.TrimPrefix(key, s.keyPrefix+"counter:")
	parts := strings.Split(rest, ":")
	// scope kind, scope id, action, window, start
	if len(parts) != 5 {
		return CounterRow{}, false, nil
	}
	startUnix, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return CounterRow{}, false, nil
	}

	vals, err := s.client.HMGet(ctx, key, "used", "limit", "window_end").Result()
	if err != nil {
		return CounterRow{}, false, fmt.Errorf("failed to read counter %s: %w", key, err)
	}

	row := CounterRow{
		ScopeKey:    parts[0] + ":" + parts[1],
		Action:      parts[2],
		Window:      Window(parts[3]),
		WindowStart: time.Unix(startUnix, 0).UTC(),
	}
	if v, ok := vals[0].(string); ok {
		row.Used, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[1].(string); ok {
		row.Limit, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals[2].(string); ok {
		endUnix, _ := strconv.ParseInt(v, 10, 64)
		row.WindowEnd = time.Unix(endUnix, 0).UTC()
	}
	return row, true, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}
