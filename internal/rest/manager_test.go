package rest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/formula"
	"github.com/postflow/governor/internal/scope"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client, "governor:")
}

var restNow = time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)

func TestOpenAndActive(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	sc := scope.Account("a1")

	p, existed, err := m.Open(ctx, sc, 2*time.Hour, "threshold crossed", formula.ResumeAuto, restNow)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if existed {
		t.Error("no period should have existed")
	}
	if !p.EndAt.Equal(restNow.Add(2 * time.Hour)) {
		t.Errorf("EndAt = %v, want %v", p.EndAt, restNow.Add(2*time.Hour))
	}

	active, err := m.Active(ctx, sc, restNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active == nil {
		t.Fatal("expected an active period")
	}
	if active.Reason != "threshold crossed" || active.ResumePolicy != formula.ResumeAuto {
		t.Errorf("unexpected period: %+v", active)
	}
}

func TestOpenExtendsNeverDuplicates(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	sc := scope.Account("a1")

	if _, _, err := m.Open(ctx, sc, 2*time.Hour, "first", formula.ResumeAuto, restNow); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Longer end extends
	p, existed, err := m.Open(ctx, sc, 4*time.Hour, "second", formula.ResumeAuto, restNow)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !existed {
		t.Error("second open should report an existing period")
	}
	if !p.EndAt.Equal(restNow.Add(4 * time.Hour)) {
		t.Errorf("EndAt = %v, want extended to +4h", p.EndAt)
	}

	// Shorter end leaves it unchanged
	p, existed, err = m.Open(ctx, sc, time.Hour, "third", formula.ResumeAuto, restNow)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !existed {
		t.Error("third open should report an existing period")
	}
	if !p.EndAt.Equal(restNow.Add(4 * time.Hour)) {
		t.Errorf("EndAt = %v, shorter open must not shrink the period", p.EndAt)
	}

	// Original reason is kept
	active, _ := m.Active(ctx, sc, restNow)
	if active.Reason != "first" {
		t.Errorf("reason = %q, want the original", active.Reason)
	}
}

func TestAutoResumeCompletesOnRead(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	sc := scope.Account("a1")

	if _, _, err := m.Open(ctx, sc, time.Hour, "r", formula.ResumeAuto, restNow); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	active, err := m.Active(ctx, sc, restNow.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != nil {
		t.Fatal("auto period past its end should read as inactive")
	}

	hist, err := m.History(ctx, sc, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(hist) != 1 || hist[0].Status != StatusCompleted {
		t.Errorf("expected one completed period in history, got %+v", hist)
	}
}

func TestManualPolicyOutlivesEnd(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	sc := scope.Group("g1")

	if _, _, err := m.Open(ctx, sc, time.Hour, "manual review", formula.ResumeManual, restNow); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// Well past endAt the period is still in force
	later := restNow.Add(10 * time.Hour)
	active, err := m.Active(ctx, sc, later)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active == nil {
		t.Fatal("manual period must stay active until resumed")
	}

	ends, err := m.ActiveEnds(ctx, []scope.Scope{sc}, later)
	if err != nil {
		t.Fatalf("ActiveEnds failed: %v", err)
	}
	end, ok := ends[sc.Key()]
	if !ok {
		t.Fatal("ActiveEnds should include the manual period")
	}
	if !end.After(later) {
		t.Errorf("manual period end %v should be pushed past now %v", end, later)
	}

	if err := m.Resume(ctx, sc, later); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if active, _ := m.Active(ctx, sc, later); active != nil {
		t.Error("period should be cleared after resume")
	}

	hist, _ := m.History(ctx, sc, 10)
	if len(hist) != 1 || hist[0].Status != StatusCancelled {
		t.Errorf("expected one cancelled period, got %+v", hist)
	}
}

func TestResumeNoActivePeriodIsNoop(t *testing.T) {
	m := setupManager(t)
	if err := m.Resume(context.Background(), scope.Account("idle"), restNow); err != nil {
		t.Fatalf("Resume on idle scope failed: %v", err)
	}
}

func TestActiveEndsOnlyRestingScopes(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	chain := scope.Chain("a1", "g1")
	if _, _, err := m.Open(ctx, scope.Group("g1"), 3*time.Hour, "r", formula.ResumeAuto, restNow); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ends, err := m.ActiveEnds(ctx, chain, restNow)
	if err != nil {
		t.Fatalf("ActiveEnds failed: %v", err)
	}
	if len(ends) != 1 {
		t.Fatalf("expected 1 resting scope, got %d", len(ends))
	}
	if _, ok := ends[scope.Group("g1").Key()]; !ok {
		t.Error("group scope missing from ActiveEnds")
	}
}

func TestListActive(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if _, _, err := m.Open(ctx, scope.Account("a1"), time.Hour, "r", formula.ResumeAuto, restNow); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Open(ctx, scope.Account("a2"), 30*time.Minute, "r", formula.ResumeAuto, restNow); err != nil {
		t.Fatal(err)
	}

	// a2's period has lapsed at +45m, only a1 remains
	periods, err := m.ListActive(ctx, restNow.Add(45*time.Minute))
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(periods) != 1 {
		t.Fatalf("expected 1 active period, got %d", len(periods))
	}
	if periods[0].Scope != scope.Account("a1") {
		t.Errorf("unexpected scope: %v", periods[0].Scope)
	}
}
