package sandbox

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// RecentCommandsLimit bounds the history returned with per-sandbox metrics.
const RecentCommandsLimit = 10

// GlobalMetrics aggregates counters across all sessions.
type GlobalMetrics struct {
	TotalSandboxes  int     `json:"totalSandboxes"`
	ActiveSandboxes int     `json:"activeSandboxes"`
	AvgCreationTime float64 `json:"avgCreationTime"`
	P99CreationTime int64   `json:"p99CreationTime"`
	TotalCommands   int64   `json:"totalCommands"`
	AvgCommandTime  float64 `json:"avgCommandTime"`
	SuccessRate     float64 `json:"successRate"`
}

// SandboxSummary is the session view embedded in per-sandbox metrics.
type SandboxSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Metrics      Metrics   `json:"metrics"`
}

// SandboxMetrics is the per-sandbox metrics view.
type SandboxMetrics struct {
	Sandbox                SandboxSummary  `json:"sandbox"`
	RecentCommands         []CommandResult `json:"recentCommands"`
	TotalCommandsInHistory int             `json:"totalCommandsInHistory"`
}

// Metrics computes aggregate metrics over every session.
func (m *Manager) Metrics(ctx context.Context) (*GlobalMetrics, error) {
	sessions, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	gm := &GlobalMetrics{TotalSandboxes: len(sessions)}
	var totalCommandTime, totalCreationTime float64
	creationTimes := make([]int64, 0, len(sessions))
	var retained, succeeded int

	for _, s := range sessions {
		if s.Status == StatusRunning {
			gm.ActiveSandboxes++
		}
		gm.TotalCommands += s.Metrics.TotalCommands
		totalCommandTime += s.Metrics.AvgCommandTimeMs * float64(s.Metrics.TotalCommands)
		totalCreationTime += float64(s.Metrics.CreationTimeMs)
		creationTimes = append(creationTimes, s.Metrics.CreationTimeMs)

		history, err := m.store.History(ctx, s.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", s.ID, err)
		}
		for _, h := range history {
			retained++
			if h.ExitCode == 0 {
				succeeded++
			}
		}
	}

	if gm.TotalSandboxes > 0 {
		gm.AvgCreationTime = totalCreationTime / float64(gm.TotalSandboxes)
	}
	if gm.TotalCommands > 0 {
		gm.AvgCommandTime = totalCommandTime / float64(gm.TotalCommands)
	}
	if retained > 0 {
		gm.SuccessRate = float64(succeeded) / float64(retained)
	}
	gm.P99CreationTime = p99(creationTimes)
	return gm, nil
}

// p99 picks the nearest-rank 99th percentile.
func p99(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	idx := int(math.Ceil(float64(len(values))*0.99)) - 1
	if idx < 0 {
		idx = 0
	}
	return values[idx]
}

// SandboxMetrics returns one session's metrics with its recent commands.
func (m *Manager) SandboxMetrics(ctx context.Context, id string) (*SandboxMetrics, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := m.store.History(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	recent := history
	if len(recent) > RecentCommandsLimit {
		recent = recent[:RecentCommandsLimit]
	}
	return &SandboxMetrics{
		Sandbox: SandboxSummary{
			ID:           s.ID,
			Name:         s.Name,
			Status:       s.Status,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			Metrics:      s.Metrics,
		},
		RecentCommands:         recent,
		TotalCommandsInHistory: len(history),
	}, nil
}

// History returns a sandbox's retained command history, most recent first.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]CommandResult, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.History(ctx, id, limit)
}
