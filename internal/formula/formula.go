// Package formula defines posting formulas and the pure evaluator that
// decides whether a scope may post right now. Formulas arrive as JSON
// documents from the catalog and are validated at the boundary; core logic
// only ever sees the typed form.
package formula

import (
	"fmt"
	"time"

	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/scope"
)

// DistributionMode selects how the distribution selector spreads posts
// across a group's accounts
type DistributionMode string

const (
	// DistributionEven rotates round-robin by least recently used account
	DistributionEven DistributionMode = "even"
	// DistributionWeighted selects proportionally to account weight
	DistributionWeighted DistributionMode = "weighted"
	// DistributionPerformance selects proportionally to a rolling
	// success/engagement score, falling back to weighted
	DistributionPerformance DistributionMode = "performance"
)

// ResumePolicy controls how a rest period ends
type ResumePolicy string

const (
	// ResumeAuto clears the rest period once endAt passes
	ResumeAuto ResumePolicy = "auto"
	// ResumeManual requires an explicit operator resume call
	ResumeManual ResumePolicy = "manual"
)

// RestStrategy opens an enforced cool-down once usage crosses a threshold
type RestStrategy struct {
	// ThresholdFraction of any capped window at which a rest period opens
	ThresholdFraction float64 `json:"threshold_fraction"`
	// RestDurationHours is how long the cool-down lasts
	RestDurationHours int `json:"rest_duration_hours"`
	// ResumePolicy is auto or manual
	ResumePolicy ResumePolicy `json:"resume_policy"`
}

// Enabled reports whether the strategy is active at all
func (r RestStrategy) Enabled() bool {
	return r.ThresholdFraction > 0 && r.RestDurationHours > 0
}

// ClockInterval is a daily time-of-day interval such as a quiet-hours block.
// Intervals may wrap midnight (Start > End).
type ClockInterval struct {
	// Start and End are minutes since midnight UTC, [0, 1440)
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether the time of day of at falls inside the interval
func (ci ClockInterval) Contains(at time.Time) bool {
	minute := at.UTC().Hour()*60 + at.UTC().Minute()
	if ci.Start <= ci.End {
		return minute >= ci.Start && minute < ci.End
	}
	// Wraps midnight
	return minute >= ci.Start || minute < ci.End
}

// PeakSlot is a weighted time-of-day slot. Slots only ever bias timing
// preference, they never deny a post.
type PeakSlot struct {
	ClockInterval
	Weight float64 `json:"weight"`
}

// Formula is the immutable-once-referenced posting policy shared by the
// groups that point at it
type Formula struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Caps per window for each account governed by the formula; a missing
	// window means uncapped at that size
	Caps map[limits.Window]int64 `json:"caps,omitempty"`
	// GroupCaps bound the aggregate usage of the whole group; optional
	GroupCaps map[limits.Window]int64 `json:"group_caps,omitempty"`

	// MinGapMinutes is the minimum spacing between two posts on one scope
	MinGapMinutes int `json:"min_gap_minutes"`
	// MaxPerHour is a shorthand hourly cap; the tighter of this and
	// Caps[hour] wins
	MaxPerHour int64 `json:"max_per_hour,omitempty"`

	QuietHours []ClockInterval `json:"quiet_hours,omitempty"`
	// Weekdays allowed for posting; empty means every day
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	PeakSlots []PeakSlot     `json:"peak_slots,omitempty"`

	// JitterSeconds bounds the randomized dispatch delay that hides
	// detectable posting patterns
	JitterSeconds int `json:"jitter_seconds"`

	Distribution  DistributionMode `json:"distribution"`
	BackoffOnFail bool             `json:"backoff_on_fail"`
	Rest          RestStrategy     `json:"rest_strategy"`
}

// Overrides are the per-account adjustments a GroupAccount row layers on top
// of its group's formula
type Overrides struct {
	Weight float64 `json:"weight,omitempty"`
	// DailyCap replaces the formula's day cap for this account when > 0
	DailyCap int64 `json:"daily_cap,omitempty"`
	// CooldownMinutes replaces MinGapMinutes for this account when > 0
	CooldownMinutes int `json:"cooldown_minutes,omitempty"`
}

// Validate checks a formula decoded from the catalog before it reaches core
// logic
func (f *Formula) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("formula id cannot be empty")
	}
	switch f.Distribution {
	case DistributionEven, DistributionWeighted, DistributionPerformance:
	default:
		return fmt.Errorf("unknown distribution mode %q", f.Distribution)
	}
	for w, limit := range f.Caps {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid cap window: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("cap for window %s cannot be negative", w)
		}
	}
	for w, limit := range f.GroupCaps {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("invalid group cap window: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("group cap for window %s cannot be negative", w)
		}
	}
	if f.MinGapMinutes < 0 {
		return fmt.Errorf("min_gap_minutes cannot be negative")
	}
	if f.MaxPerHour < 0 {
		return fmt.Errorf("max_per_hour cannot be negative")
	}
	if f.JitterSeconds < 0 {
		return fmt.Errorf("jitter_seconds cannot be negative")
	}
	for _, q := range f.QuietHours {
		if q.Start < 0 || q.Start >= 1440 || q.End < 0 || q.End > 1440 {
			return fmt.Errorf("quiet hour interval out of range: %d-%d", q.Start, q.End)
		}
	}
	for _, p := range f.PeakSlots {
		if p.Weight <= 0 {
			return fmt.Errorf("peak slot weight must be positive")
		}
	}
	if f.Rest.Enabled() {
		if f.Rest.ThresholdFraction > 1 {
			return fmt.Errorf("rest threshold_fraction cannot exceed 1")
		}
		switch f.Rest.ResumePolicy {
		case ResumeAuto, ResumeManual:
		default:
			return fmt.Errorf("unknown resume policy %q", f.Rest.ResumePolicy)
		}
	}
	return nil
}

// EffectiveMinGap is the account's min gap with any per-account cooldown
// override applied
func (f *Formula) EffectiveMinGap(ov *Overrides) time.Duration {
	minutes := f.MinGapMinutes
	if ov != nil && ov.CooldownMinutes > 0 {
		minutes = ov.CooldownMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// accountCap resolves the effective cap for one window at account scope
func (f *Formula) accountCap(w limits.Window, ov *Overrides) (int64, bool) {
	limit, ok := f.Caps[w]
	if w == limits.WindowHour && f.MaxPerHour > 0 && (!ok || f.MaxPerHour < limit) {
		limit, ok = f.MaxPerHour, true
	}
	if w == limits.WindowDay && ov != nil && ov.DailyCap > 0 {
		if !ok || ov.DailyCap < limit {
			limit, ok = ov.DailyCap, true
		}
	}
	return limit, ok
}

// Reservations expands the formula into the counter buckets a post on the
// given chain must pass through, ordered bottom-up so the most specific scope
// is checked and reported first. appCaps optionally bounds the app scope.
func (f *Formula) Reservations(chain []scope.Scope, ov *Overrides, appCaps map[limits.Window]int64) []limits.Reservation {
	var out []limits.Reservation
	for _, sc := range chain {
		for _, w := range limits.AllWindows {
			var limit int64
			var ok bool
			switch sc.Kind {
			case scope.KindAccount:
				limit, ok = f.accountCap(w, ov)
			case scope.KindGroup:
				limit, ok = f.GroupCaps[w]
			case scope.KindApp:
				limit, ok = appCaps[w]
			}
			if !ok || limit <= 0 {
				continue
			}
			out = append(out, limits.Reservation{Scope: sc, Window: w, Limit: limit})
		}
	}
	return out
}

// SlotWeight returns the weight of the peak slot containing at, or 1 when no
// slots are defined or none matches
func (f *Formula) SlotWeight(at time.Time) float64 {
	if len(f.PeakSlots) == 0 {
		return 1
	}
	for _, p := range f.PeakSlots {
		if p.Contains(at) {
			return p.Weight
		}
	}
	return 1
}
