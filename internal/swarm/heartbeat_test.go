package swarm

import (
	"testing"
	"time"
)

func backdateHeartbeat(t *testing.T, c *Coordinator, swarmID, agentID string, age time.Duration) {
	t.Helper()
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		sw.agent(agentID).LastHeartbeat = time.Now().Add(-age)
		return nil
	})
	if err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
}

func TestSweepMarksStaleAgentsOffline(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	backdateHeartbeat(t, c, id, ids[1], time.Hour)
	c.sweepHeartbeats()

	got, _ := c.GetSwarm(id)
	if got.agent(ids[1]).Status != AgentOffline {
		t.Errorf("expected stale agent offline, got %s", got.agent(ids[1]).Status)
	}
	if got.agent(ids[0]).Status != AgentActive {
		t.Errorf("expected fresh agent untouched, got %s", got.agent(ids[0]).Status)
	}
	// Non-leader going offline does not change leadership or term.
	if got.LeaderID != ids[0] || got.Consensus.Term != 0 {
		t.Errorf("expected leadership unchanged, got leader=%s term=%d", got.LeaderID, got.Consensus.Term)
	}
}

func TestSweepLeaderOfflineTriggersElection(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	backdateHeartbeat(t, c, id, ids[0], time.Hour)
	c.sweepHeartbeats()

	got, _ := c.GetSwarm(id)
	if got.agent(ids[0]).Status != AgentOffline {
		t.Fatalf("expected old leader offline, got %s", got.agent(ids[0]).Status)
	}
	if got.LeaderID == ids[0] {
		t.Error("expected leadership reassigned away from offline agent")
	}
	if got.Consensus.Term != 1 {
		t.Errorf("expected term bumped to 1, got %d", got.Consensus.Term)
	}
	if got.agent(got.LeaderID).Status == AgentOffline {
		t.Error("expected connected agent elected")
	}
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	backdateHeartbeat(t, c, id, ids[1], time.Hour)
	c.sweepHeartbeats()

	got, _ := c.GetSwarm(id)
	if got.agent(ids[1]).Status != AgentOffline {
		t.Fatalf("expected offline, got %s", got.agent(ids[1]).Status)
	}

	if err := c.Heartbeat(id, ids[1]); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = c.GetSwarm(id)
	if got.agent(ids[1]).Status != AgentActive {
		t.Errorf("expected revived to active, got %s", got.agent(ids[1]).Status)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	c := newTestCoordinator(t)
	id, _ := seedSwarm(t, c, 1)

	if err := c.Heartbeat(id, "stranger"); err != ErrAgentNotFound {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if err := c.Heartbeat("no-such-swarm", "agent-1"); err != ErrSwarmNotFound {
		t.Errorf("expected ErrSwarmNotFound, got %v", err)
	}
}

func TestSweepSkipsFreshAgents(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	c.sweepHeartbeats()

	got, _ := c.GetSwarm(id)
	for _, agentID := range ids {
		if got.agent(agentID).Status != AgentActive {
			t.Errorf("agent %s: expected active, got %s", agentID, got.agent(agentID).Status)
		}
	}
}
