package swarm

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Propose submits a group decision for voting. The proposer is auto-counted
// as a "for" vote. A single-member swarm or a leader proposer resolves the
// proposal as accepted immediately; otherwise a vote-collection window starts
// and the proposal falls back to a for-vs-against comparison on expiry.
func (c *Coordinator) Propose(swarmID, proposerID string, ptype ProposalType, content json.RawMessage) (*Proposal, error) {
	var out *Proposal
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		if sw.Status == StatusDissolving || sw.Status == StatusCompleted {
			return ErrInvalidTransition
		}
		if sw.agent(proposerID) == nil {
			return ErrAgentNotFound
		}

		p := &Proposal{
			ID:           uuid.New().String(),
			ProposerID:   proposerID,
			Type:         ptype,
			Content:      content,
			VotesFor:     []string{proposerID},
			VotesAgainst: []string{},
			Status:       ProposalPending,
			CreatedAt:    time.Now(),
		}
		sw.Consensus.Proposals[p.ID] = p
		sw.Status = StatusVoting

		c.publishEvent(sw.ID, "proposal_created", map[string]any{
			"proposal_id": p.ID,
			"proposer_id": proposerID,
			"type":        ptype,
		})

		if len(sw.Agents) == 1 || proposerID == sw.LeaderID {
			c.resolveProposalLocked(sw, p, ProposalAccepted)
		} else {
			p.timer = time.AfterFunc(c.cfg.VoteWindow, func() {
				c.resolveOnTimeout(sw.ID, p.ID)
			})
		}

		c.persistSwarm(sw)

		copied := *p
		copied.timer = nil
		out = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Vote records an agent's vote on a pending proposal. Re-voting overrides the
// previous vote; it never accumulates duplicate weight. Returns false when
// the swarm, voter or proposal is unknown, or the proposal already resolved.
func (c *Coordinator) Vote(swarmID, agentID, proposalID, choice string) bool {
	if choice != "for" && choice != "against" {
		return false
	}

	ok := false
	_ = c.registry.With(swarmID, func(sw *Swarm) error {
		if sw.agent(agentID) == nil {
			return nil
		}
		p := sw.Consensus.Proposals[proposalID]
		if p == nil || p.Status != ProposalPending {
			return nil
		}

		p.VotesFor = removeID(p.VotesFor, agentID)
		p.VotesAgainst = removeID(p.VotesAgainst, agentID)
		if choice == "for" {
			p.VotesFor = append(p.VotesFor, agentID)
		} else {
			p.VotesAgainst = append(p.VotesAgainst, agentID)
		}
		ok = true

		c.publishEvent(sw.ID, "vote_cast", map[string]any{
			"proposal_id": proposalID,
			"agent_id":    agentID,
			"vote":        choice,
		})

		c.checkQuorumLocked(sw, p)
		c.persistSwarm(sw)
		return nil
	})
	return ok
}

// checkQuorumLocked resolves the proposal when either side has reached
// quorum = ceil(members/2). "For" is checked first.
func (c *Coordinator) checkQuorumLocked(sw *Swarm, p *Proposal) {
	if p.Status != ProposalPending {
		return
	}
	quorum := (len(sw.Agents) + 1) / 2
	if quorum < 1 {
		quorum = 1
	}

	switch {
	case len(p.VotesFor) >= quorum:
		c.resolveProposalLocked(sw, p, ProposalAccepted)
	case len(p.VotesAgainst) >= quorum:
		c.resolveProposalLocked(sw, p, ProposalRejected)
	}
}

// resolveOnTimeout is the vote-window fallback: a still-pending proposal
// resolves by simple comparison of accumulated votes. Firing after quorum
// already resolved the proposal is a no-op.
func (c *Coordinator) resolveOnTimeout(swarmID, proposalID string) {
	_ = c.registry.With(swarmID, func(sw *Swarm) error {
		p := sw.Consensus.Proposals[proposalID]
		if p == nil || p.Status != ProposalPending {
			return nil
		}

		outcome := ProposalRejected
		if len(p.VotesFor) >= len(p.VotesAgainst) {
			outcome = ProposalAccepted
		}
		slog.Info("proposal vote window expired", "swarm", swarmID, "proposal", proposalID, "outcome", outcome)
		c.resolveProposalLocked(sw, p, outcome)
		c.persistSwarm(sw)
		return nil
	})
}

// resolveProposalLocked is the single atomic resolution step: mark status,
// append the decision, run the decision's side effect, broadcast, and drop
// the proposal from the pending set. Idempotent against double invocation.
func (c *Coordinator) resolveProposalLocked(sw *Swarm, p *Proposal, outcome ProposalStatus) {
	if p.Status != ProposalPending {
		return
	}
	p.Status = outcome
	if p.timer != nil {
		p.timer.Stop()
	}

	abstain := len(sw.Agents) - len(p.VotesFor) - len(p.VotesAgainst)
	if abstain < 0 {
		abstain = 0
	}
	decision := Decision{
		ID:         uuid.New().String(),
		ProposalID: p.ID,
		Outcome:    outcome,
		For:        len(p.VotesFor),
		Against:    len(p.VotesAgainst),
		Abstain:    abstain,
		DecidedAt:  time.Now(),
	}
	sw.Consensus.Decisions = append(sw.Consensus.Decisions, decision)

	if outcome == ProposalAccepted {
		c.applyDecisionLocked(sw, p)
	}

	c.publishEvent(sw.ID, "proposal_resolved", map[string]any{
		"proposal_id": p.ID,
		"outcome":     outcome,
		"for":         decision.For,
		"against":     decision.Against,
		"abstain":     decision.Abstain,
	})

	delete(sw.Consensus.Proposals, p.ID)
	if sw.Status == StatusVoting && sw.pendingCount() == 0 {
		sw.Status = StatusActive
	}
}

// applyDecisionLocked executes an accepted proposal's side effect.
func (c *Coordinator) applyDecisionLocked(sw *Swarm, p *Proposal) {
	switch p.Type {
	case ProposalTaskDelegation:
		var req DelegationRequest
		if err := json.Unmarshal(p.Content, &req); err != nil {
			slog.Warn("task_delegation content invalid", "swarm", sw.ID, "proposal", p.ID, "error", err)
			return
		}
		req.DelegatedBy = p.ProposerID
		if _, err := c.delegateLocked(sw, req); err != nil {
			slog.Warn("accepted delegation not applied", "swarm", sw.ID, "proposal", p.ID, "error", err)
		}

	case ProposalRoleAssignment:
		var req struct {
			AgentID string    `json:"agent_id"`
			Role    AgentRole `json:"role"`
		}
		if err := json.Unmarshal(p.Content, &req); err != nil {
			slog.Warn("role_assignment content invalid", "swarm", sw.ID, "proposal", p.ID, "error", err)
			return
		}
		c.assignRoleLocked(sw, req.AgentID, req.Role)

	case ProposalDissolution:
		sw.Status = StatusDissolving
		grace := c.cfg.DissolutionGrace
		time.AfterFunc(grace, func() {
			c.dissolve(sw.ID)
		})
		slog.Info("swarm dissolving", "swarm", sw.ID, "grace", grace)

	case ProposalEvidence:
		// Reconciliation itself lives in the evidence subsystem; hand the
		// accepted payload off on its topic.
		if c.events != nil {
			_ = c.events.PublishJSON("evidence.reconcile."+sw.ID, map[string]any{
				"swarm_id":    sw.ID,
				"proposal_id": p.ID,
				"content":     p.Content,
			})
		}
	}
}

// assignRoleLocked mutates one agent's role while preserving the single
// leader invariant.
func (c *Coordinator) assignRoleLocked(sw *Swarm, agentID string, role AgentRole) {
	agent := sw.agent(agentID)
	if agent == nil {
		slog.Warn("role_assignment target unknown", "swarm", sw.ID, "agent", agentID)
		return
	}
	switch role {
	case RoleLeader:
		for _, a := range sw.Agents {
			if a.Role == RoleLeader {
				a.Role = RoleWorker
			}
		}
		agent.Role = RoleLeader
		sw.LeaderID = agentID
	case RoleWorker, RoleObserver:
		if agent.Role == RoleLeader {
			sw.LeaderID = ""
		}
		agent.Role = role
	}
}

// electLeaderLocked runs a deterministic leader election: term increments,
// the election tally clears, and the highest-scoring candidate wins with
// lowest agent id as tie-break. Score is capability count plus 2 for a
// derived specialization. Offline agents are passed over unless nobody else
// is left.
func (c *Coordinator) electLeaderLocked(sw *Swarm) {
	if len(sw.Agents) == 0 {
		return
	}

	sw.Consensus.Term++
	sw.Consensus.Votes = make(map[string]string)

	c.publishEvent(sw.ID, "election_started", map[string]any{
		"term": sw.Consensus.Term,
	})

	winner := pickLeader(sw.Agents, false)
	if winner == nil {
		winner = pickLeader(sw.Agents, true)
	}

	for _, a := range sw.Agents {
		if a == winner {
			a.Role = RoleLeader
		} else {
			a.Role = RoleWorker
		}
	}
	sw.LeaderID = winner.ID
	// Only a voting swarm drops back to active; an accepted dissolution
	// must survive re-election so the grace timer still completes it.
	if sw.Status == StatusVoting && sw.pendingCount() == 0 {
		sw.Status = StatusActive
	}

	slog.Info("leader elected", "swarm", sw.ID, "leader", winner.ID, "term", sw.Consensus.Term)
	c.publishEvent(sw.ID, "leader_elected", map[string]any{
		"leader_id": winner.ID,
		"term":      sw.Consensus.Term,
	})
}

func pickLeader(agents []*Agent, includeOffline bool) *Agent {
	var winner *Agent
	best := -1
	for _, a := range agents {
		if !includeOffline && a.Status == AgentOffline {
			continue
		}
		score := len(a.Capabilities)
		if a.Specialization != "" {
			score += 2
		}
		if score > best || (score == best && winner != nil && a.ID < winner.ID) {
			winner = a
			best = score
		}
	}
	return winner
}

// dissolve completes a swarm after its dissolution grace period and retires
// it from the live set.
func (c *Coordinator) dissolve(swarmID string) {
	retired := false
	_ = c.registry.With(swarmID, func(sw *Swarm) error {
		if sw.Status != StatusDissolving {
			return nil
		}
		now := time.Now()
		sw.Status = StatusCompleted
		sw.CompletedAt = &now
		retired = true

		c.publishEvent(sw.ID, "swarm_dissolved", map[string]any{
			"members": len(sw.Agents),
		})
		if c.store != nil {
			if err := c.store.SaveSwarm(snapshotRecord(sw)); err != nil {
				slog.Error("persist dissolved swarm", "swarm", sw.ID, "error", err)
			}
		}
		return nil
	})
	if retired {
		c.registry.Remove(swarmID)
		slog.Info("swarm dissolved", "id", swarmID)
	}
}
