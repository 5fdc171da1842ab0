package swarm

import (
	"context"
	"log/slog"
	"time"
)

// offlineAfter is how many missed sweep intervals mark an agent offline.
const offlineAfter = 3

// Heartbeat records a liveness ping from an agent. An offline agent that
// pings again is revived to active; disconnection was a status, not a
// departure.
func (c *Coordinator) Heartbeat(swarmID, agentID string) error {
	return c.registry.With(swarmID, func(sw *Swarm) error {
		agent := sw.agent(agentID)
		if agent == nil {
			return ErrAgentNotFound
		}
		agent.LastHeartbeat = time.Now()
		if agent.Status == AgentOffline {
			agent.Status = AgentActive
			c.persistSwarm(sw)
		}
		return nil
	})
}

// StartHeartbeatMonitor runs the periodic liveness sweep until ctx is done.
func (c *Coordinator) StartHeartbeatMonitor(ctx context.Context) {
	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("heartbeat monitor started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			c.sweepHeartbeats()
		}
	}
}

// sweepHeartbeats marks agents whose heartbeat age exceeds three intervals as
// offline. Going offline is the sole re-election trigger outside an explicit
// leave; membership itself is untouched.
func (c *Coordinator) sweepHeartbeats() {
	cutoff := offlineAfter * c.cfg.HeartbeatInterval

	c.registry.Each(func(sw *Swarm) {
		changed := false
		for _, a := range sw.Agents {
			if a.Status == AgentOffline {
				continue
			}
			if time.Since(a.LastHeartbeat) <= cutoff {
				continue
			}

			a.Status = AgentOffline
			changed = true
			slog.Warn("agent heartbeat timeout", "swarm", sw.ID, "agent", a.ID)
			c.publishEvent(sw.ID, "agent_offline", map[string]any{
				"agent_id": a.ID,
			})

			if a.ID == sw.LeaderID {
				c.electLeaderLocked(sw)
			}
		}
		if changed {
			c.persistSwarm(sw)
		}
	})
}
