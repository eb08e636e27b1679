package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
	"github.com/fairyhunter13/mobile-test-orchestrator/internal/usecase"
)

// AgentMonitor takes agents offline once they miss heartbeats past the
// timeout. The actual teardown (offline flip, slot clear, orphan fails) is
// AgentService.MarkLost, the same path a heartbeat sweep uses.
type AgentMonitor struct {
	agents   domain.AgentRepository
	svc      usecase.AgentService
	timeout  time.Duration
	interval time.Duration
}

func NewAgentMonitor(agents domain.AgentRepository, svc usecase.AgentService, timeout, interval time.Duration) *AgentMonitor {
	if agents == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &AgentMonitor{agents: agents, svc: svc, timeout: timeout, interval: interval}
}

func (m *AgentMonitor) Run(ctx context.Context) {
	if m == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent monitor stopping")
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *AgentMonitor) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.timeout)
	silent, err := m.agents.SilentSince(ctx, cutoff)
	if err != nil {
		observability.TickFailed("agent_monitor")
		slog.Error("agent monitor: list silent agents", slog.Any("error", err))
		return
	}
	for _, a := range silent {
		orphaned, err := m.svc.MarkLost(ctx, a.ID)
		if err != nil {
			slog.Error("agent monitor: mark agent lost", slog.String("agent_id", a.ID), slog.Any("error", err))
			continue
		}
		if orphaned > 0 {
			observability.JobsOrphaned(orphaned)
		}
		slog.Warn("agent offline after missed heartbeats",
			slog.String("agent_id", a.ID),
			slog.Time("last_heartbeat", a.LastHeartbeat),
			slog.Int("orphaned_jobs", orphaned))
	}
	m.refreshFleetGauge(ctx)
}

// refreshFleetGauge republishes per-status agent counts. Every status is set,
// including zeroes, so a status that empties out does not hold its last value.
func (m *AgentMonitor) refreshFleetGauge(ctx context.Context) {
	agents, err := m.agents.List(ctx)
	if err != nil {
		slog.Warn("agent monitor: list agents for gauge", slog.Any("error", err))
		return
	}
	counts := map[domain.AgentStatus]int{
		domain.AgentOffline:     0,
		domain.AgentOnline:      0,
		domain.AgentBusy:        0,
		domain.AgentMaintenance: 0,
	}
	for _, a := range agents {
		counts[a.Status]++
	}
	for status, n := range counts {
		observability.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
