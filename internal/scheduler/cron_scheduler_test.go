package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// taskRecorder counts task runs for assertions
type taskRecorder struct {
	mu   sync.Mutex
	runs map[string]int
	errs map[string]error
}

func newTaskRecorder() *taskRecorder {
	return &taskRecorder{runs: make(map[string]int), errs: make(map[string]error)}
}

func (tr *taskRecorder) run(id string) func(ctx context.Context, now time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		if err, exists := tr.errs[id]; exists {
			return err
		}
		tr.runs[id]++
		return nil
	}
}

func (tr *taskRecorder) count(id string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.runs[id]
}

func setupCronRunner(t *testing.T) (*CronRunner, *Registry, *taskRecorder, *redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	registry := NewRegistry()
	rec := newTaskRecorder()

	runner := NewCronRunner(registry, client, "governor:", 100*time.Millisecond)
	runner.SetLockTTL(5 * time.Second)

	return runner, registry, rec, client, mr
}

func TestNewCronRunner(t *testing.T) {
	runner, _, _, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	if runner == nil {
		t.Fatal("Expected non-nil runner")
	}

	if runner.interval != 100*time.Millisecond {
		t.Errorf("Interval mismatch: got %v, want 100ms", runner.interval)
	}

	if runner.lockTTL != 5*time.Second {
		t.Errorf("Lock TTL mismatch: got %v, want 5s", runner.lockTTL)
	}
}

func TestCronRunner_ExecuteTask(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "counter_sweep",
		Cron:    "* * * * *", // Every minute
		Run:     rec.run("counter_sweep"),
		Enabled: true,
	}

	registry.MustRegister(task)

	now := time.Now()
	runner.executeTask(ctx, task, now)

	if rec.count("counter_sweep") != 1 {
		t.Fatalf("Expected 1 task run, got %d", rec.count("counter_sweep"))
	}

	// Check state was updated
	state, err := runner.GetState(ctx, "counter_sweep")
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}

	if state.LastRun.IsZero() {
		t.Error("LastRun was not updated")
	}

	if state.LastSuccess.IsZero() {
		t.Error("LastSuccess was not updated")
	}

	if state.RunCount != 1 {
		t.Errorf("RunCount mismatch: got %d, want 1", state.RunCount)
	}

	if state.NextRun.IsZero() {
		t.Error("NextRun was not calculated")
	}
}

func TestCronRunner_TaskError(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	rec.errs["failing_task"] = errors.New("archive unavailable")

	task := &Task{
		ID:      "failing_task",
		Cron:    "* * * * *",
		Run:     rec.run("failing_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	runner.executeTask(ctx, task, time.Now())

	if rec.count("failing_task") != 0 {
		t.Errorf("Expected 0 successful runs, got %d", rec.count("failing_task"))
	}

	// State should have error
	state, err := runner.GetState(ctx, "failing_task")
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}

	if state.LastError == "" {
		t.Error("Expected error in state, got empty string")
	}

	// LastSuccess should be zero
	if !state.LastSuccess.IsZero() {
		t.Error("Expected zero LastSuccess on error")
	}
}

func TestCronRunner_DistributedLocking(t *testing.T) {
	// Create two runners sharing the same Redis
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	defer client.Close()

	registry := NewRegistry()
	var runs atomic.Int64

	task := &Task{
		ID:   "singleton_task",
		Cron: "* * * * *",
		Run: func(ctx context.Context, now time.Time) error {
			runs.Add(1)
			// Hold the lock long enough for the race to matter
			time.Sleep(50 * time.Millisecond)
			return nil
		},
		Enabled: true,
	}

	registry.MustRegister(task)

	runner1 := NewCronRunner(registry, client, "governor:", 100*time.Millisecond)
	runner2 := NewCronRunner(registry, client, "governor:", 100*time.Millisecond)

	ctx := context.Background()

	// Execute on both runners simultaneously
	done := make(chan bool, 2)

	go func() {
		runner1.executeTask(ctx, task, time.Now())
		done <- true
	}()

	go func() {
		runner2.executeTask(ctx, task, time.Now())
		done <- true
	}()

	<-done
	<-done

	// Only one should have run
	if runs.Load() != 1 {
		t.Errorf("Expected exactly 1 task run (distributed lock), got %d", runs.Load())
	}
}

func TestCronRunner_IsDue_NeverRun(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "* * * * *",
		Run:     rec.run("test_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	// First check should be due (never run before)
	now := time.Now()
	if !runner.isDue(ctx, task, now) {
		t.Error("Expected task to be due on first check")
	}
}

func TestCronRunner_IsDue_RecentlyRun(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "0 * * * *", // Every hour
		Run:     rec.run("test_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	// Set last run to 30 minutes ago
	lastRun := time.Now().Add(-30 * time.Minute)
	client.HSet(ctx, "governor:task:test_task", "last_run", lastRun.Format(time.RFC3339))

	// Should not be due yet
	if runner.isDue(ctx, task, time.Now()) {
		t.Error("Expected task not to be due (last run was 30 min ago, runs hourly)")
	}
}

func TestCronRunner_IsDue_PastDue(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "0 * * * *", // Every hour
		Run:     rec.run("test_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	// Set last run to 2 hours ago
	lastRun := time.Now().Add(-2 * time.Hour)
	client.HSet(ctx, "governor:task:test_task", "last_run", lastRun.Format(time.RFC3339))

	// Should be due now
	if !runner.isDue(ctx, task, time.Now()) {
		t.Error("Expected task to be due (last run was 2 hours ago)")
	}
}

func TestCronRunner_Tick_DisabledTask(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "* * * * *",
		Run:     rec.run("test_task"),
		Enabled: false, // Disabled
	}

	registry.MustRegister(task)

	runner.Tick(ctx, time.Now())

	if rec.count("test_task") != 0 {
		t.Errorf("Expected 0 runs for disabled task, got %d", rec.count("test_task"))
	}
}

func TestCronRunner_Tick_MultipleTasks(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	registry.MustRegister(&Task{
		ID:      "task1",
		Cron:    "* * * * *",
		Run:     rec.run("task1"),
		Enabled: true,
	})
	registry.MustRegister(&Task{
		ID:      "task2",
		Cron:    "* * * * *",
		Run:     rec.run("task2"),
		Enabled: true,
	})
	registry.MustRegister(&Task{
		ID:      "task3",
		Cron:    "* * * * *",
		Run:     rec.run("task3"),
		Enabled: false, // Disabled
	})

	runner.Tick(ctx, time.Now())

	if rec.count("task1") != 1 || rec.count("task2") != 1 {
		t.Error("Expected task1 and task2 to run")
	}

	if rec.count("task3") != 0 {
		t.Error("task3 should not run (disabled)")
	}
}

func TestCronRunner_StateUpdate_ClearsError(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "* * * * *",
		Run:     rec.run("test_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	// First, set an error in state
	runner.updateState(ctx, "test_task", &TaskState{
		ID:        "test_task",
		LastRun:   time.Now(),
		LastError: "previous error",
	})

	// Verify error exists
	state, _ := runner.GetState(ctx, "test_task")
	if state.LastError != "previous error" {
		t.Error("Expected error to be set")
	}

	// Now execute successfully
	runner.executeTask(ctx, task, time.Now())

	// Error should be cleared
	state, err := runner.GetState(ctx, "test_task")
	if err != nil {
		t.Fatalf("Failed to get state: %v", err)
	}

	if state.LastError != "" {
		t.Errorf("Expected error to be cleared, got %s", state.LastError)
	}
}

func TestCronRunner_RunCount_Increment(t *testing.T) {
	runner, registry, rec, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	task := &Task{
		ID:      "test_task",
		Cron:    "* * * * *",
		Run:     rec.run("test_task"),
		Enabled: true,
	}

	registry.MustRegister(task)

	// Execute multiple times
	for i := 1; i <= 5; i++ {
		runner.executeTask(ctx, task, time.Now())

		state, err := runner.GetState(ctx, "test_task")
		if err != nil {
			t.Fatalf("Failed to get state: %v", err)
		}

		if state.RunCount != int64(i) {
			t.Errorf("Run %d: expected run_count %d, got %d", i, i, state.RunCount)
		}
	}
}

func TestCronRunner_Start_Stop(t *testing.T) {
	runner, _, _, client, mr := setupCronRunner(t)
	defer mr.Close()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())

	// Start runner in background
	done := make(chan bool)
	go func() {
		runner.Start(ctx)
		done <- true
	}()

	// Let it run for a bit
	time.Sleep(300 * time.Millisecond)

	// Stop runner
	cancel()

	// Wait for it to finish
	select {
	case <-done:
		// Good, stopped cleanly
	case <-time.After(2 * time.Second):
		t.Error("Runner did not stop within timeout")
	}
}
