package swarm

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/apiary/internal/config"
	"github.com/mtzanidakis/apiary/internal/natsbus"
	"github.com/mtzanidakis/apiary/internal/store"
)

// Coordinator is the single logical authority over swarm state. It owns the
// live registry, mirrors every committed transition to the store and fans
// state-change events out over the bus. In-memory state is authoritative; a
// persistence failure is logged and never rolls a transition back.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	registry *Registry
	store    *store.Store
	events   *natsbus.Client

	seenMu        sync.Mutex
	seenBehaviors map[string]map[string]bool

	startedAt time.Time
}

func NewCoordinator(cfg config.CoordinatorConfig, reg *Registry, st *store.Store, events *natsbus.Client) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		registry:      reg,
		store:         st,
		events:        events,
		seenBehaviors: make(map[string]map[string]bool),
		startedAt:     time.Now(),
	}
}

// Summary is the list-view shape of a live swarm.
type Summary struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Objective        string      `json:"objective"`
	Status           SwarmStatus `json:"status"`
	LeaderID         string      `json:"leader_id,omitempty"`
	Members          int         `json:"members"`
	Term             int         `json:"term"`
	PendingProposals int         `json:"pending_proposals"`
	CreatedAt        time.Time   `json:"created_at"`
}

func (c *Coordinator) CreateSwarm(name, objective string) *Swarm {
	sw := &Swarm{
		ID:        uuid.New().String(),
		Name:      name,
		Objective: objective,
		Status:    StatusForming,
		Consensus: newConsensusState(),
		CreatedAt: time.Now(),
	}

	// Snapshot and mirror before the swarm is reachable through the
	// registry; once added, every access goes through its lock.
	out := c.snapshot(sw)
	c.persistSwarm(sw)
	c.registry.Add(sw)

	slog.Info("swarm created", "id", sw.ID, "name", name)
	c.publishEvent(sw.ID, "swarm_created", map[string]any{
		"name":      name,
		"objective": objective,
	})

	return out
}

// Join adds an agent to a swarm. The first member becomes leader and moves
// the swarm from forming to active.
func (c *Coordinator) Join(swarmID, agentID, identityID string, capabilities []string) (*Agent, error) {
	var joined *Agent
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		if len(sw.Agents) >= c.cfg.MaxMembers {
			return ErrSwarmFull
		}
		if sw.agent(agentID) != nil {
			return ErrInvalidTransition
		}

		agent := &Agent{
			ID:            agentID,
			IdentityID:    identityID,
			Role:          RoleWorker,
			Capabilities:  capabilities,
			Status:        AgentActive,
			LastHeartbeat: time.Now(),
			JoinedAt:      time.Now(),
		}
		if len(sw.Agents) == 0 {
			agent.Role = RoleLeader
			sw.LeaderID = agentID
			sw.Status = StatusActive
		}
		sw.Agents = append(sw.Agents, agent)

		c.publishEvent(sw.ID, "agent_joined", map[string]any{
			"agent_id":     agentID,
			"role":         agent.Role,
			"capabilities": capabilities,
			"members":      len(sw.Agents),
		})
		c.persistSwarm(sw)

		copied := *agent
		joined = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	go c.AnalyzeSpecializations(swarmID)
	return joined, nil
}

// Leave removes an agent. A departing leader triggers re-election
// synchronously; the leaver's cast votes are retracted from pending
// proposals, which are then re-checked against the shrunken quorum. An empty
// swarm is retired from the live set with durable history kept.
func (c *Coordinator) Leave(swarmID, agentID string) error {
	var retired bool
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		agent := sw.agent(agentID)
		if agent == nil {
			return ErrAgentNotFound
		}

		wasLeader := agent.Role == RoleLeader
		for i, a := range sw.Agents {
			if a.ID == agentID {
				sw.Agents = append(sw.Agents[:i], sw.Agents[i+1:]...)
				break
			}
		}

		c.publishEvent(sw.ID, "agent_left", map[string]any{
			"agent_id": agentID,
			"members":  len(sw.Agents),
		})

		// Retract the leaver's votes and re-check pending proposals
		// against the new membership.
		for _, p := range pendingProposals(sw) {
			p.VotesFor = removeID(p.VotesFor, agentID)
			p.VotesAgainst = removeID(p.VotesAgainst, agentID)
			c.checkQuorumLocked(sw, p)
		}

		if len(sw.Agents) == 0 {
			now := time.Now()
			sw.Status = StatusCompleted
			sw.LeaderID = ""
			sw.CompletedAt = &now
			retired = true
		} else if wasLeader {
			c.electLeaderLocked(sw)
		}

		c.persistSwarm(sw)
		return nil
	})
	if err != nil {
		return err
	}

	if retired {
		c.registry.Remove(swarmID)
		slog.Info("swarm retired", "id", swarmID)
	} else {
		go c.AnalyzeSpecializations(swarmID)
	}
	return nil
}

// GetSwarm returns a detached copy of a live swarm.
func (c *Coordinator) GetSwarm(swarmID string) (*Swarm, error) {
	var out *Swarm
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		out = c.snapshot(sw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) ListSwarms() []Summary {
	var out []Summary
	c.registry.Each(func(sw *Swarm) {
		out = append(out, Summary{
			ID:               sw.ID,
			Name:             sw.Name,
			Objective:        sw.Objective,
			Status:           sw.Status,
			LeaderID:         sw.LeaderID,
			Members:          len(sw.Agents),
			Term:             sw.Consensus.Term,
			PendingProposals: sw.pendingCount(),
			CreatedAt:        sw.CreatedAt,
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Stats is the health surface: live swarms and non-offline member agents.
func (c *Coordinator) Stats() (swarms, agents int) {
	swarms = c.registry.Count()
	c.registry.Each(func(sw *Swarm) {
		for _, a := range sw.Agents {
			if a.Status != AgentOffline {
				agents++
			}
		}
	})
	return swarms, agents
}

func (c *Coordinator) StartedAt() time.Time {
	return c.startedAt
}

// UpdateAgentStatus applies an agent-reported connection status.
func (c *Coordinator) UpdateAgentStatus(swarmID, agentID string, status AgentStatus) error {
	switch status {
	case AgentActive, AgentBusy, AgentOffline:
	default:
		return ErrInvalidTransition
	}
	return c.registry.With(swarmID, func(sw *Swarm) error {
		agent := sw.agent(agentID)
		if agent == nil {
			return ErrAgentNotFound
		}
		agent.Status = status
		c.persistSwarm(sw)
		return nil
	})
}

// Shutdown broadcasts a shutdown notice to every swarm and flushes a final
// snapshot of each.
func (c *Coordinator) Shutdown() {
	c.registry.Each(func(sw *Swarm) {
		c.publishEvent(sw.ID, "coordinator_shutdown", map[string]any{
			"members": len(sw.Agents),
		})
		if c.store != nil {
			if err := c.store.SaveSwarm(snapshotRecord(sw)); err != nil {
				slog.Error("persist swarm on shutdown", "swarm", sw.ID, "error", err)
			}
		}
	})
	if c.events != nil {
		_ = c.events.Flush()
	}
}

// snapshot deep-copies a swarm so callers can read it without holding the
// swarm lock.
func (c *Coordinator) snapshot(sw *Swarm) *Swarm {
	out := *sw
	out.Agents = make([]*Agent, len(sw.Agents))
	for i, a := range sw.Agents {
		copied := *a
		copied.Capabilities = append([]string(nil), a.Capabilities...)
		out.Agents[i] = &copied
	}
	out.Consensus = &ConsensusState{
		Term:      sw.Consensus.Term,
		Proposals: make(map[string]*Proposal, len(sw.Consensus.Proposals)),
		Decisions: append([]Decision(nil), sw.Consensus.Decisions...),
	}
	for id, p := range sw.Consensus.Proposals {
		copied := *p
		copied.timer = nil
		copied.VotesFor = append([]string(nil), p.VotesFor...)
		copied.VotesAgainst = append([]string(nil), p.VotesAgainst...)
		out.Consensus.Proposals[id] = &copied
	}
	out.Delegations = make([]*Delegation, len(sw.Delegations))
	for i, d := range sw.Delegations {
		copied := *d
		out.Delegations[i] = &copied
	}
	return &out
}

func (c *Coordinator) publishEvent(swarmID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishSwarmEvent(swarmID, eventType, data); err != nil {
		slog.Warn("event publish failed", "swarm", swarmID, "type", eventType, "error", err)
	}
}

// notifyAgent delivers a point message to one agent's connection topic.
func (c *Coordinator) notifyAgent(swarmID, agentID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.NotifyAgent(swarmID, agentID, eventType, data); err != nil {
		slog.Warn("agent notify failed", "agent", agentID, "type", eventType, "error", err)
	}
}

func snapshotRecord(sw *Swarm) *store.SwarmSnapshot {
	return &store.SwarmSnapshot{
		ID:          sw.ID,
		Name:        sw.Name,
		Objective:   sw.Objective,
		Status:      string(sw.Status),
		LeaderID:    sw.LeaderID,
		Term:        sw.Consensus.Term,
		MemberIDs:   sw.memberIDs(),
		CreatedAt:   sw.CreatedAt,
		CompletedAt: sw.CompletedAt,
	}
}

// persistSwarm mirrors the swarm snapshot to the store without blocking the
// in-memory transition.
func (c *Coordinator) persistSwarm(sw *Swarm) {
	if c.store == nil {
		return
	}
	snap := snapshotRecord(sw)
	go func() {
		if err := c.store.SaveSwarm(snap); err != nil {
			slog.Error("persist swarm", "swarm", snap.ID, "error", err)
		}
	}()
}

func (c *Coordinator) persistDelegation(d *Delegation) {
	if c.store == nil {
		return
	}
	rec := &store.DelegationRecord{
		ID:          d.ID,
		SwarmID:     d.SwarmID,
		TaskID:      d.TaskID,
		TaskType:    d.TaskType,
		AssigneeID:  d.AssigneeID,
		DelegatedBy: d.DelegatedBy,
		Priority:    d.Priority,
		Status:      string(d.Status),
	}
	go func() {
		if err := c.store.SaveDelegation(rec); err != nil {
			slog.Error("persist delegation", "delegation", rec.ID, "error", err)
		}
	}()
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func pendingProposals(sw *Swarm) []*Proposal {
	var out []*Proposal
	for _, p := range sw.Consensus.Proposals {
		if p.Status == ProposalPending {
			out = append(out, p)
		}
	}
	return out
}
