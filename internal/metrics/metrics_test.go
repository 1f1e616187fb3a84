package metrics

import (
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c == nil {
		t.Fatal("NewCollector returned nil")
	}

	metrics := c.GetMetrics()
	if metrics.TotalEvaluations != 0 {
		t.Errorf("Expected TotalEvaluations = 0, got %d", metrics.TotalEvaluations)
	}
	if metrics.TotalAllowed != 0 {
		t.Errorf("Expected TotalAllowed = 0, got %d", metrics.TotalAllowed)
	}
	if metrics.TotalDenied != 0 {
		t.Errorf("Expected TotalDenied = 0, got %d", metrics.TotalDenied)
	}
}

func TestRecordEvaluations(t *testing.T) {
	c := NewCollector()

	c.RecordEvaluationAllowed()
	c.RecordEvaluationAllowed()
	c.RecordEvaluationDenied("DAILY_LIMIT_EXCEEDED")
	c.RecordEvaluationDenied("DAILY_LIMIT_EXCEEDED")
	c.RecordEvaluationDenied("QUIET_HOURS")

	metrics := c.GetMetrics()
	if metrics.TotalEvaluations != 5 {
		t.Errorf("Expected TotalEvaluations = 5, got %d", metrics.TotalEvaluations)
	}
	if metrics.TotalAllowed != 2 {
		t.Errorf("Expected TotalAllowed = 2, got %d", metrics.TotalAllowed)
	}
	if metrics.TotalDenied != 3 {
		t.Errorf("Expected TotalDenied = 3, got %d", metrics.TotalDenied)
	}
	if metrics.DenialsByCode["DAILY_LIMIT_EXCEEDED"] != 2 {
		t.Errorf("Expected 2 daily limit denials, got %d", metrics.DenialsByCode["DAILY_LIMIT_EXCEEDED"])
	}
	if metrics.DenialsByCode["QUIET_HOURS"] != 1 {
		t.Errorf("Expected 1 quiet hours denial, got %d", metrics.DenialsByCode["QUIET_HOURS"])
	}
}

func TestRecordJobOutcomes(t *testing.T) {
	c := NewCollector()

	c.RecordDispatch("twitter")
	c.RecordJobCompleted("twitter", 100*time.Millisecond)

	c.RecordDispatch("instagram")
	c.RecordJobCompleted("instagram", 200*time.Millisecond)

	c.RecordDispatch("twitter")
	c.RecordJobFailed("twitter", 300*time.Millisecond)

	metrics := c.GetMetrics()
	if metrics.TotalDispatched != 3 {
		t.Errorf("Expected TotalDispatched = 3, got %d", metrics.TotalDispatched)
	}
	if metrics.DispatchedByPlatform["twitter"] != 2 {
		t.Errorf("Expected 2 twitter dispatches, got %d", metrics.DispatchedByPlatform["twitter"])
	}
	if metrics.CompletedByPlatform["instagram"] != 1 {
		t.Errorf("Expected 1 instagram completion, got %d", metrics.CompletedByPlatform["instagram"])
	}
	if metrics.FailedByPlatform["twitter"] != 1 {
		t.Errorf("Expected 1 twitter failure, got %d", metrics.FailedByPlatform["twitter"])
	}

	// Average execution should be 200ms (600ms total / 3 executions)
	expectedAvg := 200 * time.Millisecond
	if metrics.AvgExecutionTime != expectedAvg {
		t.Errorf("Expected AvgExecutionTime = %v, got %v", expectedAvg, metrics.AvgExecutionTime)
	}

	// Error rate should be 33.33...% (1 failure out of 3 executions)
	if metrics.ErrorRate < 33.0 || metrics.ErrorRate > 34.0 {
		t.Errorf("Expected ErrorRate ~33.3, got %f", metrics.ErrorRate)
	}
}

func TestRecordDueDepth(t *testing.T) {
	c := NewCollector()

	c.RecordDueDepth(42)
	c.RecordRestPeriods(3)

	metrics := c.GetMetrics()
	if metrics.DueQueueDepth != 42 {
		t.Errorf("Expected DueQueueDepth = 42, got %d", metrics.DueQueueDepth)
	}
	if metrics.RestPeriodsOpen != 3 {
		t.Errorf("Expected RestPeriodsOpen = 3, got %d", metrics.RestPeriodsOpen)
	}
}

func TestRecordWorkerActivity(t *testing.T) {
	c := NewCollector()

	c.RecordWorkerActivity(5, 10)

	metrics := c.GetMetrics()
	if metrics.WorkerUtilization != 50.0 {
		t.Errorf("Expected WorkerUtilization = 50.0, got %f", metrics.WorkerUtilization)
	}

	c.RecordWorkerActivity(10, 10)
	metrics = c.GetMetrics()
	if metrics.WorkerUtilization != 100.0 {
		t.Errorf("Expected WorkerUtilization = 100.0, got %f", metrics.WorkerUtilization)
	}

	c.RecordWorkerActivity(0, 10)
	metrics = c.GetMetrics()
	if metrics.WorkerUtilization != 0.0 {
		t.Errorf("Expected WorkerUtilization = 0.0, got %f", metrics.WorkerUtilization)
	}
}

func TestReset(t *testing.T) {
	c := NewCollector()

	c.RecordEvaluationAllowed()
	c.RecordEvaluationDenied("MIN_GAP_VIOLATION")
	c.RecordDispatch("twitter")
	c.RecordJobCompleted("twitter", 100*time.Millisecond)
	c.RecordDueDepth(10)
	c.RecordWorkerActivity(5, 10)

	metrics := c.GetMetrics()
	if metrics.TotalEvaluations == 0 {
		t.Error("Expected non-zero metrics before reset")
	}

	c.Reset()

	metrics = c.GetMetrics()
	if metrics.TotalEvaluations != 0 {
		t.Errorf("Expected TotalEvaluations = 0 after reset, got %d", metrics.TotalEvaluations)
	}
	if metrics.TotalDispatched != 0 {
		t.Errorf("Expected TotalDispatched = 0 after reset, got %d", metrics.TotalDispatched)
	}
	if len(metrics.DenialsByCode) != 0 {
		t.Errorf("Expected empty DenialsByCode after reset, got %d entries", len(metrics.DenialsByCode))
	}
	if len(metrics.DispatchedByPlatform) != 0 {
		t.Errorf("Expected empty DispatchedByPlatform after reset, got %d entries", len(metrics.DispatchedByPlatform))
	}
	if metrics.DueQueueDepth != 0 {
		t.Errorf("Expected DueQueueDepth = 0 after reset, got %d", metrics.DueQueueDepth)
	}
	if metrics.AvgExecutionTime != 0 {
		t.Errorf("Expected AvgExecutionTime = 0 after reset, got %v", metrics.AvgExecutionTime)
	}
	if metrics.WorkerUtilization != 0 {
		t.Errorf("Expected WorkerUtilization = 0 after reset, got %f", metrics.WorkerUtilization)
	}
	if metrics.ErrorRate != 0 {
		t.Errorf("Expected ErrorRate = 0 after reset, got %f", metrics.ErrorRate)
	}
}

func TestUptime(t *testing.T) {
	c := NewCollector()

	time.Sleep(10 * time.Millisecond)

	metrics := c.GetMetrics()
	if metrics.Uptime < 10*time.Millisecond {
		t.Errorf("Expected Uptime >= 10ms, got %v", metrics.Uptime)
	}
	if metrics.Uptime > 1*time.Second {
		t.Errorf("Expected Uptime < 1s, got %v", metrics.Uptime)
	}
}

func TestGlobalCollector(t *testing.T) {
	ResetMetrics()

	Default().RecordEvaluationAllowed()
	Default().RecordDispatch("twitter")

	metrics := GetMetrics()
	if metrics.TotalAllowed != 1 {
		t.Errorf("Expected TotalAllowed = 1, got %d", metrics.TotalAllowed)
	}
	if metrics.TotalDispatched != 1 {
		t.Errorf("Expected TotalDispatched = 1, got %d", metrics.TotalDispatched)
	}

	ResetMetrics()
	metrics = GetMetrics()
	if metrics.TotalAllowed != 0 {
		t.Errorf("Expected TotalAllowed = 0 after reset, got %d", metrics.TotalAllowed)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewCollector()
	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.RecordEvaluationAllowed()
				c.RecordDispatch("twitter")
				c.RecordJobCompleted("twitter", 1*time.Millisecond)
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	metrics := c.GetMetrics()
	expected := int64(1000)
	if metrics.TotalAllowed != expected {
		t.Errorf("Expected TotalAllowed = %d, got %d", expected, metrics.TotalAllowed)
	}
	if metrics.TotalDispatched != expected {
		t.Errorf("Expected TotalDispatched = %d, got %d", expected, metrics.TotalDispatched)
	}
	if metrics.CompletedByPlatform["twitter"] != expected {
		t.Errorf("Expected 1000 twitter completions, got %d", metrics.CompletedByPlatform["twitter"])
	}
}

// Benchmarks

func BenchmarkRecordEvaluationAllowed(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordEvaluationAllowed()
	}
}

func BenchmarkRecordJobCompleted(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.RecordJobCompleted("twitter", 1*time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	c := NewCollector()
	for i := 0; i < 1000; i++ {
		c.RecordDispatch("twitter")
		c.RecordJobCompleted("twitter", 1*time.Millisecond)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.GetMetrics()
	}
}

func BenchmarkConcurrentRecording(b *testing.B) {
	c := NewCollector()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.RecordEvaluationAllowed()
			c.RecordJobCompleted("twitter", 1*time.Millisecond)
		}
	})
}
