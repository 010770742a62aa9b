package container

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkmeral/containerized-strands-agents/internal/domain"
)

// Stopper stops one agent's container through the lifecycle manager so the
// registry stays consistent.
type Stopper interface {
	Stop(ctx context.Context, agentID string) error
}

// IdleMonitorConfig configures the periodic idle sweep.
type IdleMonitorConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Records lists the current registry records.
	Records func() []*domain.AgentRecord

	// Busy reports whether the agent's queue is processing or non-empty,
	// in which case the agent is never reaped regardless of timestamps.
	Busy func(agentID string) bool
}

// StartIdleMonitor runs a background goroutine that periodically sweeps for
// running agents whose last activity exceeds the idle timeout and stops
// them. The timeout is a soft deadline: reaping may lag by up to one sweep
// interval.
func StartIdleMonitor(ctx context.Context, stopper Stopper, cfg IdleMonitorConfig) {
	ticker := time.NewTicker(cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Idle monitor started", "interval", cfg.SweepInterval, "idle_timeout", cfg.IdleTimeout)

		for {
			select {
			case <-ticker.C:
				sweepIdleAgents(ctx, stopper, cfg)
			case <-ctx.Done():
				slog.Info("Idle monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleAgents(ctx context.Context, stopper Stopper, cfg IdleMonitorConfig) {
	now := time.Now().UTC()
	var reaped int

	for _, rec := range cfg.Records() {
		if rec.Status != domain.StatusRunning {
			continue
		}
		if rec.IdleFor(now) <= cfg.IdleTimeout {
			continue
		}
		if cfg.Busy != nil && cfg.Busy(rec.AgentID) {
			slog.Debug("Skipping busy agent during idle sweep", "agent_id", rec.AgentID)
			continue
		}

		slog.Info("Stopping idle agent",
			"agent_id", rec.AgentID,
			"idle_for", rec.IdleFor(now).Round(time.Second))

		// One failure must not abort the rest of the sweep.
		if err := stopper.Stop(ctx, rec.AgentID); err != nil {
			slog.Error("Failed to stop idle agent",
				"error", err,
				"agent_id", rec.AgentID)
			continue
		}
		reaped++
	}

	if reaped > 0 {
		slog.Info("Idle sweep completed", "stopped", reaped)
	}
}
