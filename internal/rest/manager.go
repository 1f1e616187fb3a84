// Package rest tracks enforced cool-down periods per scope. At most one
// active period exists per scope at any time; re-opening while one is active
// only ever extends the end, never creates a second row.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/scope"
)

// Status of a rest period
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Period is one enforced cool-down interval [StartAt, EndAt) for a scope
type Period struct {
	Scope        scope.Scope          `json:"scope"`
	StartAt      time.Time            `json:"start_at"`
	EndAt        time.Time            `json:"end_at"`
	Reason       string               `json:"reason"`
	ResumePolicy formula.ResumePolicy `json:"resume_policy"`
	Status       Status               `json:"status"`
}

// openScript opens or extends the scope's rest period atomically. An active
// period is extended only when the new end is later; it is never duplicated.
//
// KEYS[1] period hash
// ARGV[1] now (unix), ARGV[2] new end (unix), ARGV[3] reason, ARGV[4] policy
// Returns {0, end} opened, {1, end} extended, {2, end} unchanged.
var openScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
local endAt = tonumber(redis.call("HGET", KEYS[1], "end_at"))
local policy = redis.call("HGET", KEYS[1], "resume_policy")
local now = tonumber(ARGV[1])
local newEnd = tonumber(ARGV[2])
local active = false
if status == "active" and endAt then
	if policy == "manual" or endAt > now then
		active = true
	end
end
if active then
	if newEnd > endAt then
		redis.call("HSET", KEYS[1], "end_at", newEnd)
		return {1, newEnd}
	end
	return {2, endAt}
end
redis.call("HSET", KEYS[1],
	"start_at", ARGV[1],
	"end_at", ARGV[2],
	"reason", ARGV[3],
	"resume_policy", ARGV[4],
	"status", "active")
return {0, newEnd}
`)

// Manager is the Redis-backed rest period store
type Manager struct {
	client    *redis.Client
	keyPrefix string
	// historyDepth caps the closed-period log kept per scope
	historyDepth int64
}

// NewManager creates a rest period manager on an existing Redis client
func NewManager(client *redis.Client, keyPrefix string) *Manager {
	return &Manager{
		client:       client,
		keyPrefix:    keyPrefix,
		historyDepth: 100,
	}
}

func (m *Manager) periodKey(sc scope.Scope) string {
	return m.keyPrefix + "restperiod:" + sc.Key()
}

func (m *Manager) logKey(sc scope.Scope) string {
	return m.keyPrefix + "restlog:" + sc.Key()
}

// Open opens a rest period for the scope, or extends the active one when the
// new end is later. Returns the effective period and whether an active one
// was already present.
func (m *Manager) Open(ctx context.Context, sc scope.Scope, d time.Duration, reason string, policy formula.ResumePolicy, now time.Time) (Period, bool, error) {
	endAt := now.Add(d)
	raw, err := openScript.Run(ctx, m.client, []string{m.periodKey(sc)},
		now.Unix(), endAt.Unix(), reason, string(policy)).Result()
	if err != nil {
		return Period{}, false, fmt.Errorf("failed to open rest period: %w", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return Period{}, false, fmt.Errorf("unexpected rest script reply: %v", raw)
	}

	status, _ := vals[0].(int64)
	effEnd, _ := vals[1].(int64)
	p := Period{
		Scope:        sc,
		StartAt:      now,
		EndAt:        time.Unix(effEnd, 0).UTC(),
		Reason:       reason,
		ResumePolicy: policy,
		Status:       StatusActive,
	}
	return p, status != 0, nil
}

// Active returns the scope's active rest period, or nil. An auto-resume
// period whose end has passed is lazily closed on read.
func (m *Manager) Active(ctx context.Context, sc scope.Scope, now time.Time) (*Period, error) {
	p, err := m.load(ctx, sc)
	if err != nil || p == nil {
		return nil, err
	}
	if p.Status != StatusActive {
		return nil, nil
	}
	if p.ResumePolicy == formula.ResumeAuto && !p.EndAt.After(now) {
		// Auto policy: the period completed on its own once endAt passed
		if err := m.close(ctx, sc, *p, StatusCompleted); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return p, nil
}

// ActiveEnds maps the scope keys in chain that currently rest to their end
// times, in the shape the evaluator consumes
func (m *Manager) ActiveEnds(ctx context.Context, chain []scope.Scope, now time.Time) (map[string]time.Time, error) {
	ends := make(map[string]time.Time)
	for _, sc := range chain {
		p, err := m.Active(ctx, sc, now)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		end := p.EndAt
		if p.ResumePolicy == formula.ResumeManual && !end.After(now) {
			// Manual periods stay in force past endAt until resumed
			end = now.Add(time.Hour)
		}
		ends[sc.Key()] = end
	}
	return ends, nil
}

// Resume explicitly clears the scope's active rest period. This is the only
// way a manual-policy period ends. Resuming a scope with no active period is
// a no-op.
func (m *Manager) Resume(ctx context.Context, sc scope.Scope, now time.Time) error {
	p, err := m.load(ctx, sc)
	if err != nil {
		return err
	}
	if p == nil || p.Status != StatusActive {
		return nil
	}
	if p.EndAt.After(now) {
		p.EndAt = now
	}
	return m.close(ctx, sc, *p, StatusCancelled)
}

// ListActive returns every active rest period, for the operator read API
func (m *Manager) ListActive(ctx context.Context, now time.Time) ([]Period, error) {
	var cursor uint64
	var out []Period
	pattern := m.keyPrefix + "restperiod:*"

	for {
		keys, next, err := m.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan rest periods: %w", err)
		}
		for _, key := range keys {
			scKey := strings.TrimPrefix(key, m.keyPrefix+"restperiod:")
			sc, err := scope.Parse(scKey)
			if err != nil {
				continue
			}
			p, err := m.Active(ctx, sc, now)
			if err != nil {
				return nil, err
			}
			if p != nil {
				out = append(out, *p)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// History returns up to limit closed periods for a scope, newest first
func (m *Manager) History(ctx context.Context, sc scope.Scope, limit int64) ([]Period, error) {
	raw, err := m.client.LRange(ctx, m.logKey(sc), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read rest history: %w", err)
	}
	out := make([]Period, 0, len(raw))
	for _, item := range raw {
		var p Period
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Manager) load(ctx context.Context, sc scope.Scope) (*Period, error) {
	vals, err := m.client.HGetAll(ctx, m.periodKey(sc)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load rest period: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}

	p := &Period{Scope: sc, Status: Status(vals["status"])}
	if v, err := strconv.ParseInt(vals["start_at"], 10, 64); err == nil {
		p.StartAt = time.Unix(v, 0).UTC()
	}
	if v, err := strconv.ParseInt(vals["end_at"], 10, 64); err == nil {
		p.EndAt = time.Unix(v, 0).UTC()
	}
	p.Reason = vals["reason"]
	p.ResumePolicy = formula.ResumePolicy(vals["resume_policy"])
	return p, nil
}

// close moves the period into the scope's history log and deletes the live row
func (m *Manager) close(ctx context.Context, sc scope.Scope, p Period, status Status) error {
	p.Status = status
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal rest period: %w", err)
	}

	pipe := m.client.Pipeline()
	pipe.LPush(ctx, m.logKey(sc), data)
	pipe.LTrim(ctx, m.logKey(sc), 0, m.historyDepth-1)
	pipe.Del(ctx, m.periodKey(sc))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to close rest period: %w", err)
	}
	return nil
}
