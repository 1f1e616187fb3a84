package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks governor-wide metrics in memory
type Collector struct {
	// Counters (atomic for thread-safety)
	totalEvaluations atomic.Int64
	totalAllowed     atomic.Int64
	totalDenied      atomic.Int64
	totalDispatched  atomic.Int64

	// Breakdown tracking (protected by mutex)
	mu              sync.RWMutex
	denialsByCode   map[string]int64
	dispatchByPlat  map[string]int64
	completedByPlat map[string]int64
	failedByPlat    map[string]int64
	dueDepth        int64
	restPeriodsOpen int64
	totalExecTime   time.Duration
	execCount       int64
	activeWorkers   int64
	totalWorkers    int64
	errorCount      int64
	startTime       time.Time
}

// Metrics represents a snapshot of current governor metrics
type Metrics struct {
	TotalEvaluations     int64            `json:"total_evaluations"`
	TotalAllowed         int64            `json:"total_allowed"`
	TotalDenied          int64            `json:"total_denied"`
	TotalDispatched      int64            `json:"total_dispatched"`
	DenialsByCode        map[string]int64 `json:"denials_by_code"`
	DispatchedByPlatform map[string]int64 `json:"dispatched_by_platform"`
	CompletedByPlatform  map[string]int64 `json:"completed_by_platform"`
	FailedByPlatform     map[string]int64 `json:"failed_by_platform"`
	DueQueueDepth        int64            `json:"due_queue_depth"`
	RestPeriodsOpen      int64            `json:"rest_periods_open"`
	AvgExecutionTime     time.Duration    `json:"avg_execution_time"`
	WorkerUtilization    float64          `json:"worker_utilization"`
	ErrorRate            float64          `json:"error_rate"`
	Uptime               time.Duration    `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		denialsByCode:   make(map[string]int64),
		dispatchByPlat:  make(map[string]int64),
		completedByPlat: make(map[string]int64),
		failedByPlat:    make(map[string]int64),
		startTime:       time.Now(),
	}
}

// RecordEvaluationAllowed counts a post that passed every check
func (c *Collector) RecordEvaluationAllowed() {
	c.totalEvaluations.Add(1)
	c.totalAllowed.Add(1)
}

// RecordEvaluationDenied counts a denied post under its denial code
func (c *Collector) RecordEvaluationDenied(code string) {
	c.totalEvaluations.Add(1)
	c.totalDenied.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.denialsByCode[code]++
}

// RecordDispatch counts a job handed to a worker
func (c *Collector) RecordDispatch(platform string) {
	c.totalDispatched.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatchByPlat[platform]++
}

// RecordJobCompleted records a successful job execution
func (c *Collector) RecordJobCompleted(platform string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedByPlat[platform]++
	c.totalExecTime += duration
	c.execCount++
}

// RecordJobFailed records a failed job execution
func (c *Collector) RecordJobFailed(platform string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedByPlat[platform]++
	c.totalExecTime += duration
	c.execCount++
	c.errorCount++
}

// RecordDueDepth updates the current due queue depth
func (c *Collector) RecordDueDepth(depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dueDepth = depth
}

// RecordRestPeriods updates the count of open rest periods
func (c *Collector) RecordRestPeriods(open int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restPeriodsOpen = open
}

// RecordWorkerActivity updates worker utilization figures
func (c *Collector) RecordWorkerActivity(active, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeWorkers = active
	c.totalWorkers = total
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	denials := make(map[string]int64, len(c.denialsByCode))
	for k, v := range c.denialsByCode {
		denials[k] = v
	}
	dispatched := make(map[string]int64, len(c.dispatchByPlat))
	for k, v := range c.dispatchByPlat {
		dispatched[k] = v
	}
	completed := make(map[string]int64, len(c.completedByPlat))
	for k, v := range c.completedByPlat {
		completed[k] = v
	}
	failed := make(map[string]int64, len(c.failedByPlat))
	for k, v := range c.failedByPlat {
		failed[k] = v
	}

	var avgExec time.Duration
	if c.execCount > 0 {
		avgExec = c.totalExecTime / time.Duration(c.execCount)
	}

	var utilization float64
	if c.totalWorkers > 0 {
		utilization = float64(c.activeWorkers) / float64(c.totalWorkers) * 100
	}

	var errorRate float64
	if c.execCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.execCount) * 100
	}

	return Metrics{
		TotalEvaluations:     c.totalEvaluations.Load(),
		TotalAllowed:         c.totalAllowed.Load(),
		TotalDenied:          c.totalDenied.Load(),
		TotalDispatched:      c.totalDispatched.Load(),
		DenialsByCode:        denials,
		DispatchedByPlatform: dispatched,
		CompletedByPlatform:  completed,
		FailedByPlatform:     failed,
		DueQueueDepth:        c.dueDepth,
		RestPeriodsOpen:      c.restPeriodsOpen,
		AvgExecutionTime:     avgExec,
		WorkerUtilization:    utilization,
		ErrorRate:            errorRate,
		Uptime:               time.Since(c.startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.totalEvaluations.Store(0)
	c.totalAllowed.Store(0)
	c.totalDenied.Store(0)
	c.totalDispatched.Store(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.denialsByCode = make(map[string]int64)
	c.dispatchByPlat = make(map[string]int64)
	c.completedByPlat = make(map[string]int64)
	c.failedByPlat = make(map[string]int64)
	c.dueDepth = 0
	c.restPeriodsOpen = 0
	c.totalExecTime = 0
	c.execCount = 0
	c.activeWorkers = 0
	c.totalWorkers = 0
	c.errorCount = 0
	c.startTime = time.Now()
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
