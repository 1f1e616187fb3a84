package formula

import (
	"testing"
	"time"

	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/scope"
)

// Wednesday 2025-06-18 12:00 UTC
var noon = time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

func baseFormula() *Formula {
	return &Formula{
		ID:           "f1",
		Name:         "test",
		Caps:         map[limits.Window]int64{limits.WindowDay: 10},
		Distribution: DistributionEven,
	}
}

func baseInput(f *Formula) Input {
	chain := scope.Chain("a1", "g1")
	resv := f.Reservations(chain, nil, nil)
	return Input{
		Chain:        chain,
		Formula:      f,
		Reservations: resv,
		Counters:     limits.Snapshot{},
		RestEnds:     map[string]time.Time{},
		LastPost:     map[string]time.Time{},
		Now:          noon,
		Seed:         1,
	}
}

func TestEvaluateAllows(t *testing.T) {
	d := Evaluate(baseInput(baseFormula()))
	if !d.Allowed {
		t.Fatalf("expected allow, got %s: %s", d.Code, d.Message)
	}
	if d.SlotWeight != 1 {
		t.Errorf("SlotWeight = %f, want 1 with no peak slots", d.SlotWeight)
	}
	if d.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0 with no jitter configured", d.Jitter)
	}
}

func TestEvaluateActiveRestPeriodMasksEverything(t *testing.T) {
	f := baseFormula()
	f.Weekdays = []time.Weekday{time.Sunday} // would also deny
	in := baseInput(f)
	in.RestEnds[scope.Group("g1").Key()] = noon.Add(2 * time.Hour)

	d := Evaluate(in)
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.Code != CodeActiveRestPeriod {
		t.Errorf("Code = %s, want %s", d.Code, CodeActiveRestPeriod)
	}
	if d.Scope != scope.Group("g1") {
		t.Errorf("denial scope = %v, want the resting group", d.Scope)
	}
}

func TestEvaluateExpiredRestPeriodIgnored(t *testing.T) {
	in := baseInput(baseFormula())
	in.RestEnds[scope.Account("a1").Key()] = noon.Add(-time.Minute)

	if d := Evaluate(in); !d.Allowed {
		t.Errorf("expired rest period should not deny: %s", d.Code)
	}
}

func TestEvaluateWeekday(t *testing.T) {
	f := baseFormula()
	f.Weekdays = []time.Weekday{time.Monday, time.Friday}

	d := Evaluate(baseInput(f)) // noon is a Wednesday
	if d.Allowed || d.Code != CodeWeekdayNotAllowed {
		t.Errorf("got %+v, want %s denial", d, CodeWeekdayNotAllowed)
	}

	f.Weekdays = []time.Weekday{time.Wednesday}
	if d := Evaluate(baseInput(f)); !d.Allowed {
		t.Errorf("Wednesday should be allowed: %s", d.Code)
	}
}

func TestEvaluateQuietHours(t *testing.T) {
	f := baseFormula()
	f.QuietHours = []ClockInterval{{Start: 11 * 60, End: 13 * 60}}

	d := Evaluate(baseInput(f))
	if d.Allowed || d.Code != CodeQuietHours {
		t.Errorf("got %+v, want %s denial", d, CodeQuietHours)
	}
}

func TestClockIntervalWrapsMidnight(t *testing.T) {
	ci := ClockInterval{Start: 22 * 60, End: 6 * 60}

	if !ci.Contains(time.Date(2025, 6, 18, 23, 30, 0, 0, time.UTC)) {
		t.Error("23:30 should be inside 22:00-06:00")
	}
	if !ci.Contains(time.Date(2025, 6, 18, 2, 0, 0, 0, time.UTC)) {
		t.Error("02:00 should be inside 22:00-06:00")
	}
	if ci.Contains(noon) {
		t.Error("12:00 should be outside 22:00-06:00")
	}
}

func TestEvaluateMinGap(t *testing.T) {
	f := baseFormula()
	f.MinGapMinutes = 30
	in := baseInput(f)
	in.LastPost[scope.Account("a1").Key()] = noon.Add(-10 * time.Minute)

	d := Evaluate(in)
	if d.Allowed || d.Code != CodeMinGapViolation {
		t.Fatalf("got %+v, want %s denial", d, CodeMinGapViolation)
	}
	if d.SinceLastPost != 10*time.Minute {
		t.Errorf("SinceLastPost = %v, want 10m", d.SinceLastPost)
	}

	in.LastPost[scope.Account("a1").Key()] = noon.Add(-31 * time.Minute)
	if d := Evaluate(in); !d.Allowed {
		t.Errorf("gap satisfied, should allow: %s", d.Code)
	}
}

func TestEvaluateCooldownOverrideReplacesGap(t *testing.T) {
	f := baseFormula()
	f.MinGapMinutes = 30
	in := baseInput(f)
	in.Overrides = &Overrides{CooldownMinutes: 5}
	in.Reservations = f.Reservations(in.Chain, in.Overrides, nil)
	in.LastPost[scope.Account("a1").Key()] = noon.Add(-10 * time.Minute)

	if d := Evaluate(in); !d.Allowed {
		t.Errorf("override shortens the gap to 5m, should allow: %s", d.Code)
	}
}

func TestEvaluateCapExhaustion(t *testing.T) {
	f := baseFormula()
	in := baseInput(f)
	in.Counters[limits.SnapKey(scope.Account("a1"), limits.WindowDay)] = limits.Usage{Used: 10, Limit: 10}

	d := Evaluate(in)
	if d.Allowed || d.Code != CodeDailyLimitExceeded {
		t.Fatalf("got %+v, want %s denial", d, CodeDailyLimitExceeded)
	}
	if d.Scope != scope.Account("a1") {
		t.Errorf("denial scope = %v", d.Scope)
	}
	if d.Usage.Used != 10 {
		t.Errorf("denial usage = %+v", d.Usage)
	}
}

func TestEvaluateReportsMostSpecificCap(t *testing.T) {
	f := baseFormula()
	f.GroupCaps = map[limits.Window]int64{limits.WindowDay: 100}
	in := baseInput(f)
	in.Reservations = f.Reservations(in.Chain, nil, nil)
	in.Counters[limits.SnapKey(scope.Account("a1"), limits.WindowDay)] = limits.Usage{Used: 10, Limit: 10}
	in.Counters[limits.SnapKey(scope.Group("g1"), limits.WindowDay)] = limits.Usage{Used: 100, Limit: 100}

	d := Evaluate(in)
	if d.Scope != scope.Account("a1") {
		t.Errorf("bottom-up walk should report the account first, got %v", d.Scope)
	}
}

func TestEvaluateMaxPerHourTightens(t *testing.T) {
	f := baseFormula()
	f.Caps[limits.WindowHour] = 10
	f.MaxPerHour = 2
	in := baseInput(f)
	in.Reservations = f.Reservations(in.Chain, nil, nil)
	in.Counters[limits.SnapKey(scope.Account("a1"), limits.WindowHour)] = limits.Usage{Used: 2, Limit: 2}

	d := Evaluate(in)
	if d.Allowed || d.Code != CodeHourlyLimitExceeded {
		t.Errorf("got %+v, want %s denial", d, CodeHourlyLimitExceeded)
	}
}

func TestEvaluateJitterDeterministic(t *testing.T) {
	f := baseFormula()
	f.JitterSeconds = 120
	in := baseInput(f)
	in.Seed = 42

	d1 := Evaluate(in)
	d2 := Evaluate(in)
	if !d1.Allowed || !d2.Allowed {
		t.Fatal("expected allows")
	}
	if d1.Jitter != d2.Jitter {
		t.Errorf("same seed gave different jitter: %v vs %v", d1.Jitter, d2.Jitter)
	}
	if d1.Jitter < 0 || d1.Jitter > 120*time.Second {
		t.Errorf("jitter %v out of [0, 120s]", d1.Jitter)
	}

	in.Seed = 43
	d3 := Evaluate(in)
	// Not guaranteed distinct for every pair of seeds, but these two differ
	if d3.Jitter == d1.Jitter {
		t.Logf("seeds 42 and 43 drew the same jitter %v", d1.Jitter)
	}
}

func TestEvaluateSlotWeight(t *testing.T) {
	f := baseFormula()
	f.PeakSlots = []PeakSlot{
		{ClockInterval: ClockInterval{Start: 11 * 60, End: 13 * 60}, Weight: 2.5},
	}

	d := Evaluate(baseInput(f))
	if !d.Allowed {
		t.Fatalf("peak slots must never deny: %s", d.Code)
	}
	if d.SlotWeight != 2.5 {
		t.Errorf("SlotWeight = %f, want 2.5", d.SlotWeight)
	}
}

func TestReservations(t *testing.T) {
	f := baseFormula()
	f.Caps[limits.WindowHour] = 3
	f.GroupCaps = map[limits.Window]int64{limits.WindowWeek: 200}
	appCaps := map[limits.Window]int64{limits.WindowDay: 1000}

	chain := scope.Chain("a1", "g1")
	resv := f.Reservations(chain, nil, appCaps)

	if len(resv) != 4 {
		t.Fatalf("expected 4 reservations, got %d: %+v", len(resv), resv)
	}
	// Bottom-up: account buckets first, then group, then app
	if resv[0].Scope != scope.Account("a1") || resv[0].Window != limits.WindowHour || resv[0].Limit != 3 {
		t.Errorf("resv[0] = %+v", resv[0])
	}
	if resv[1].Scope != scope.Account("a1") || resv[1].Window != limits.WindowDay || resv[1].Limit != 10 {
		t.Errorf("resv[1] = %+v", resv[1])
	}
	if resv[2].Scope != scope.Group("g1") || resv[2].Window != limits.WindowWeek || resv[2].Limit != 200 {
		t.Errorf("resv[2] = %+v", resv[2])
	}
	if resv[3].Scope != scope.App() || resv[3].Window != limits.WindowDay || resv[3].Limit != 1000 {
		t.Errorf("resv[3] = %+v", resv[3])
	}
}

func TestReservationsDailyCapOverride(t *testing.T) {
	f := baseFormula()
	ov := &Overrides{DailyCap: 3}

	resv := f.Reservations(scope.Chain("a1", "g1"), ov, nil)
	if len(resv) != 1 || resv[0].Limit != 3 {
		t.Errorf("override should tighten the day cap to 3: %+v", resv)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Formula)
		wantErr bool
	}{
		{"valid", func(*Formula) {}, false},
		{"empty id", func(f *Formula) { f.ID = "" }, true},
		{"bad distribution", func(f *Formula) { f.Distribution = "roulette" }, true},
		{"negative cap", func(f *Formula) { f.Caps[limits.WindowDay] = -1 }, true},
		{"bad cap window", func(f *Formula) { f.Caps[limits.Window("decade")] = 1 }, true},
		{"negative gap", func(f *Formula) { f.MinGapMinutes = -1 }, true},
		{"negative jitter", func(f *Formula) { f.JitterSeconds = -1 }, true},
		{"quiet hours out of range", func(f *Formula) { f.QuietHours = []ClockInterval{{Start: -1, End: 60}} }, true},
		{"zero weight peak slot", func(f *Formula) { f.PeakSlots = []PeakSlot{{Weight: 0}} }, true},
		{"rest threshold above 1", func(f *Formula) {
			f.Rest = RestStrategy{ThresholdFraction: 1.5, RestDurationHours: 2, ResumePolicy: ResumeAuto}
		}, true},
		{"rest bad policy", func(f *Formula) {
			f.Rest = RestStrategy{ThresholdFraction: 0.5, RestDurationHours: 2, ResumePolicy: "later"}
		}, true},
		{"rest valid", func(f *Formula) {
			f.Rest = RestStrategy{ThresholdFraction: 0.5, RestDurationHours: 2, ResumePolicy: ResumeManual}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := baseFormula()
			tc.mutate(f)
			err := f.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMostRestrictive(t *testing.T) {
	allowShort := Decision{Allowed: true, Jitter: 5 * time.Second}
	allowLong := Decision{Allowed: true, Jitter: 30 * time.Second}
	deny := Decision{Code: CodeQuietHours}

	if d := MostRestrictive(nil); !d.Allowed {
		t.Error("empty fold should allow")
	}
	if d := MostRestrictive([]Decision{allowShort, deny, allowLong}); d.Allowed {
		t.Error("any denial must win the fold")
	}
	d := MostRestrictive([]Decision{allowShort, allowLong})
	if !d.Allowed || d.Jitter != 30*time.Second {
		t.Errorf("fold should keep the longest jitter, got %+v", d)
	}
}
