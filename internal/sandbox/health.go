package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHealthSchedule sweeps running sandboxes every 30 seconds.
const DefaultHealthSchedule = "@every 30s"

// HealthMonitor periodically pings every running sandbox.
type HealthMonitor struct {
	manager  *Manager
	cron     *cron.Cron
	schedule string
	timeout  time.Duration
	mu       sync.Mutex
	started  bool
}

// SweepResult summarizes one health sweep.
type SweepResult struct {
	Checked   int
	Healthy   int
	Unhealthy int
}

// NewHealthMonitor creates a monitor; schedule is a cron expression or descriptor.
func NewHealthMonitor(m *Manager, schedule string, timeout time.Duration) *HealthMonitor {
	if schedule == "" {
		schedule = DefaultHealthSchedule
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HealthMonitor{
		manager:  m,
		schedule: schedule,
		timeout:  timeout,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the sweep and starts the scheduler.
func (h *HealthMonitor) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}
	if _, err := h.cron.AddFunc(h.schedule, func() {
		h.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule health sweep %q: %w", h.schedule, err)
	}
	h.cron.Start()
	h.started = true
	slog.Info("health monitor started", "schedule", h.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running sweep or ctx.
func (h *HealthMonitor) Stop(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}
	done := h.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	h.started = false
	slog.Info("health monitor stopped")
}

// Sweep pings every running sandbox once.
func (h *HealthMonitor) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	sessions, err := h.manager.List(ctx)
	if err != nil {
		slog.Error("health sweep failed to list sandboxes", "error", err)
		return result
	}

	for _, s := range sessions {
		if s.Status != StatusRunning {
			continue
		}
		result.Checked++

		pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
		_, err := h.manager.Ping(pingCtx, s.ID)
		cancel()
		if err != nil {
			result.Unhealthy++
			continue
		}
		result.Healthy++
	}

	if result.Checked > 0 {
		slog.Debug("health sweep complete",
			"checked", result.Checked,
			"healthy", result.Healthy,
			"unhealthy", result.Unhealthy,
		)
	}
	return result
}
