package formula

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/scope"
)

// DenialCode is the machine-readable reason a post was denied
type DenialCode string

const (
	CodeActiveRestPeriod    DenialCode = "ACTIVE_REST_PERIOD"
	CodeWeekdayNotAllowed   DenialCode = "WEEKDAY_NOT_ALLOWED"
	CodeQuietHours          DenialCode = "QUIET_HOURS"
	CodeMinGapViolation     DenialCode = "MIN_GAP_VIOLATION"
	CodeHourlyLimitExceeded DenialCode = "HOURLY_LIMIT_EXCEEDED"
	CodeDailyLimitExceeded  DenialCode = "DAILY_LIMIT_EXCEEDED"
	CodeWeeklyLimitExceeded DenialCode = "WEEKLY_LIMIT_EXCEEDED"
	CodeMonthlyLimitExceed  DenialCode = "MONTHLY_LIMIT_EXCEEDED"
	CodeYearlyLimitExceeded DenialCode = "YEARLY_LIMIT_EXCEEDED"
)

// limitCode maps a window size to its denial code
func limitCode(w limits.Window) DenialCode {
	switch w {
	case limits.WindowHour:
		return CodeHourlyLimitExceeded
	case limits.WindowDay:
		return CodeDailyLimitExceeded
	case limits.WindowWeek:
		return CodeWeeklyLimitExceeded
	case limits.WindowMonth:
		return CodeMonthlyLimitExceed
	default:
		return CodeYearlyLimitExceeded
	}
}

// Input is everything the evaluator needs to reach a decision. It is a plain
// value so the function stays side-effect free and testable with synthetic
// clocks.
type Input struct {
	// Chain is the scope chain under evaluation, ordered bottom-up
	Chain []scope.Scope
	// Formula is the policy in effect for the chain's group
	Formula *Formula
	// Overrides are the per-account adjustments, may be nil
	Overrides *Overrides
	// Reservations are the counter buckets the post must pass through,
	// ordered bottom-up (see Formula.Reservations)
	Reservations []limits.Reservation
	// Counters is the usage snapshot for those reservations
	Counters limits.Snapshot
	// RestEnds maps scope keys with an active rest period to the period end
	RestEnds map[string]time.Time
	// LastPost maps scope keys to the last successful post time
	LastPost map[string]time.Time
	// Now is the evaluation clock
	Now time.Time
	// Seed makes jitter deterministic per scheduled post
	Seed int64
}

// Decision is the evaluator's verdict
type Decision struct {
	Allowed bool
	Code    DenialCode
	Message string
	// Scope owning the violated rule, most specific first
	Scope scope.Scope
	// Usage and Limit describe the violated counter on cap denials
	Usage limits.Usage
	// SinceLastPost is how long ago the denied scope last posted
	SinceLastPost time.Duration
	// Jitter is the advisory randomized dispatch delay when allowed
	Jitter time.Duration
	// SlotWeight is the peak slot preference weight at Now; it biases
	// dispatch ordering but never denies
	SlotWeight float64
}

// Evaluate runs the ordered policy checks for one (chain, formula) pair and
// short-circuits on the first failure, reporting the most specific reason.
//
// Order matters: an active rest period masks every other reason, calendar
// rules come before gap and cap checks, and caps are walked bottom-up so an
// account-level exhaustion is reported before a group-level one.
func Evaluate(in Input) Decision {
	f := in.Formula

	// 1. No scope in the chain may be resting
	for _, sc := range in.Chain {
		if end, ok := in.RestEnds[sc.Key()]; ok && end.After(in.Now) {
			return Decision{
				Code:    CodeActiveRestPeriod,
				Scope:   sc,
				Message: fmt.Sprintf("scope %s is resting until %s", sc, end.UTC().Format(time.RFC3339)),
			}
		}
	}

	base := in.Chain[0]

	// 2. Calendar rules
	if len(f.Weekdays) > 0 && !weekdayAllowed(f.Weekdays, in.Now) {
		return Decision{
			Code:    CodeWeekdayNotAllowed,
			Scope:   base,
			Message: fmt.Sprintf("posting not allowed on %s", in.Now.UTC().Weekday()),
		}
	}
	for _, q := range f.QuietHours {
		if q.Contains(in.Now) {
			return Decision{
				Code:    CodeQuietHours,
				Scope:   base,
				Message: fmt.Sprintf("inside quiet hours %02d:%02d-%02d:%02d", q.Start/60, q.Start%60, q.End/60, q.End%60),
			}
		}
	}

	// 3. Minimum gap since the scope's last successful post. Peak slots are
	// only a preference and never deny, so they do not appear here.
	if gap := f.EffectiveMinGap(in.Overrides); gap > 0 {
		if last, ok := in.LastPost[base.Key()]; ok {
			since := in.Now.Sub(last)
			if since < gap {
				return Decision{
					Code:          CodeMinGapViolation,
					Scope:         base,
					SinceLastPost: since,
					Message:       fmt.Sprintf("only %s since last post, minimum gap is %s", since.Round(time.Second), gap),
				}
			}
		}
	}

	// 4. Every defined cap across the chain needs headroom strictly > 0
	for _, r := range in.Reservations {
		usage, ok := in.Counters[limits.SnapKey(r.Scope, r.Window)]
		if !ok {
			usage = limits.Usage{Used: 0, Limit: r.Limit}
		}
		if usage.Remaining() <= 0 {
			return Decision{
				Code:    limitCode(r.Window),
				Scope:   r.Scope,
				Usage:   usage,
				Message: fmt.Sprintf("%s %s cap exhausted: %d/%d", r.Scope, r.Window, usage.Used, usage.Limit),
			}
		}
	}

	// 5. Allowed; compute the advisory jitter deterministically from the seed
	d := Decision{Allowed: true, SlotWeight: f.SlotWeight(in.Now)}
	if f.JitterSeconds > 0 {
		rng := rand.New(rand.NewSource(in.Seed))
		d.Jitter = time.Duration(rng.Int63n(int64(f.JitterSeconds)+1)) * time.Second
	}
	return d
}

func weekdayAllowed(days []time.Weekday, at time.Time) bool {
	wd := at.UTC().Weekday()
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

// MostRestrictive folds the decisions for an account that belongs to several
// groups with different formulas: any denial wins over an allow, and among
// allows the one with the longest jitter is kept so no group's pattern
// hiding is weakened.
func MostRestrictive(decisions []Decision) Decision {
	if len(decisions) == 0 {
		return Decision{Allowed: true, SlotWeight: 1}
	}
	out := decisions[0]
	for _, d := range decisions[1:] {
		if !d.Allowed && out.Allowed {
			out = d
			continue
		}
		if d.Allowed && out.Allowed && d.Jitter > out.Jitter {
			out.Jitter = d.Jitter
		}
	}
	return out
}
