package registry

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/lock"
	"github.com/postflow/governor/internal/logger"
)

// Monitor is the liveness sweeper: it marks workers offline once their
// heartbeats go silent past the timeout. Liveness detection lives here and
// only here, never in the dispatcher, so it stays testable on its own.
type Monitor struct {
	registry *Registry
	client   *redis.Client
	interval time.Duration
	timeout  time.Duration
	lockTTL  time.Duration
	log      logger.Logger
}

// NewMonitor creates a health monitor over the given registry
func NewMonitor(registry *Registry, client *redis.Client, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		registry: registry,
		client:   client,
		interval: interval,
		timeout:  timeout,
		lockTTL:  30 * time.Second,
		log:      logger.Default().WithComponent(logger.ComponentMonitor),
	}
}

// Run sweeps until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("Health monitor started", "interval", m.interval, "timeout", m.timeout)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Health monitor stopping")
			return
		case <-ticker.C:
			m.sweep(ctx, time.Now())
		}
	}
}

// sweep runs one pass under a distributed lock so a fleet of governor
// instances produces exactly one offline decision per silent worker
func (m *Monitor) sweep(ctx context.Context, now time.Time) {
	l, err := lock.Acquire(ctx, m.client, m.registry.keyPrefix+"monitorlock", m.lockTTL)
	if err != nil {
		m.log.Error("Failed to acquire monitor lock", "error", err)
		return
	}
	if l == nil {
		return
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			m.log.Error("Failed to release monitor lock", "error", err)
		}
	}()

	if _, err := m.SweepOnce(ctx, now); err != nil {
		m.log.Error("Health sweep failed", "error", err)
	}
}

// SweepOnce marks every worker whose last ping is older than the timeout as
// offline and returns how many were flipped. Exposed separately so tests can
// drive the sweep with a synthetic clock.
func (m *Monitor) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	workers, err := m.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	flipped := 0
	for _, w := range workers {
		if !w.IsOnline {
			continue
		}
		if now.Sub(w.LastPingAt) <= m.timeout {
			continue
		}
		if err := m.registry.MarkOffline(ctx, w.ID); err != nil {
			return flipped, err
		}
		flipped++
		m.log.Warn("Worker marked offline after missed heartbeats",
			"worker_id", w.ID,
			"name", w.Name,
			"last_ping_at", w.LastPingAt.Format(time.RFC3339))
	}
	return flipped, nil
}
