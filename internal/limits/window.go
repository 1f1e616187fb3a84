package limits

import (
	"fmt"
	"time"
)

// Window is a fixed, non-overlapping, time-aligned usage bucket size
type Window string

const (
	// WindowHour buckets always start on the hour
	WindowHour Window = "hour"
	// WindowDay buckets start at midnight UTC
	WindowDay Window = "day"
	// WindowWeek buckets start on Monday midnight UTC
	WindowWeek Window = "week"
	// WindowMonth buckets start on the first of the month
	WindowMonth Window = "month"
	// WindowYear buckets start on January 1st
	WindowYear Window = "year"
)

// AllWindows lists every window size ordered from tightest to widest
var AllWindows = []Window{WindowHour, WindowDay, WindowWeek, WindowMonth, WindowYear}

// Validate checks that w is a known window size
func (w Window) Validate() error {
	switch w {
	case WindowHour, WindowDay, WindowWeek, WindowMonth, WindowYear:
		return nil
	default:
		return fmt.Errorf("unknown window %q", w)
	}
}

// Bounds returns the [start, end) interval of the bucket containing at.
// Buckets are aligned to calendar boundaries in UTC, which makes counters
// idempotent and safe to recompute from scratch.
func (w Window) Bounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	switch w {
	case WindowHour:
		start := at.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case WindowDay:
		start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case WindowWeek:
		// ISO weeks: Monday is day 0
		offset := (int(at.Weekday()) + 6) % 7
		start := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case WindowMonth:
		start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	case WindowYear:
		start := time.Date(at.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	default:
		start := at.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	}
}
