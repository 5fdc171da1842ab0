package swarm

import (
	"encoding/json"
	"testing"
	"time"
)

func TestWorkerProposalResolvesAtQuorum(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 5)

	// A worker proposes; the proposer is auto-counted as a "for" vote but
	// quorum (3 of 5) is only evaluated as votes arrive.
	p, err := c.Propose(id, ids[1], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}
	if len(p.VotesFor) != 1 || p.VotesFor[0] != ids[1] {
		t.Errorf("expected proposer auto-vote, got %v", p.VotesFor)
	}

	got, _ := c.GetSwarm(id)
	if got.Status != StatusVoting {
		t.Errorf("expected status voting, got %s", got.Status)
	}

	if !c.Vote(id, ids[2], p.ID, "for") {
		t.Fatal("second vote not recorded")
	}
	got, _ = c.GetSwarm(id)
	if got.Consensus.Proposals[p.ID] == nil {
		t.Fatal("proposal resolved below quorum")
	}

	if !c.Vote(id, ids[3], p.ID, "for") {
		t.Fatal("third vote not recorded")
	}

	got, _ = c.GetSwarm(id)
	if got.Consensus.Proposals[p.ID] != nil {
		t.Fatal("expected proposal resolved at quorum")
	}
	if len(got.Consensus.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got.Consensus.Decisions))
	}
	d := got.Consensus.Decisions[0]
	if d.Outcome != ProposalAccepted {
		t.Errorf("expected accepted, got %s", d.Outcome)
	}
	if d.For != 3 || d.Against != 0 || d.Abstain != 2 {
		t.Errorf("expected 3/0/2 tally, got %d/%d/%d", d.For, d.Against, d.Abstain)
	}
	if got.Status != StatusActive {
		t.Errorf("expected status back to active, got %s", got.Status)
	}
}

func TestProposalRejectedAtQuorum(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 5)

	p, err := c.Propose(id, ids[1], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	for _, voter := range []string{ids[2], ids[3], ids[4]} {
		if !c.Vote(id, voter, p.ID, "against") {
			t.Fatalf("vote by %s not recorded", voter)
		}
	}

	got, _ := c.GetSwarm(id)
	if len(got.Consensus.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got.Consensus.Decisions))
	}
	d := got.Consensus.Decisions[0]
	if d.Outcome != ProposalRejected {
		t.Errorf("expected rejected, got %s", d.Outcome)
	}
	if d.For != 1 || d.Against != 3 || d.Abstain != 1 {
		t.Errorf("expected 1/3/1 tally, got %d/%d/%d", d.For, d.Against, d.Abstain)
	}
}

func TestVoteOverridePreviousVote(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 5)

	p, _ := c.Propose(id, ids[1], ProposalEvidence, nil)

	if !c.Vote(id, ids[2], p.ID, "against") {
		t.Fatal("vote not recorded")
	}
	if !c.Vote(id, ids[2], p.ID, "for") {
		t.Fatal("override vote not recorded")
	}

	got, _ := c.GetSwarm(id)
	pending := got.Consensus.Proposals[p.ID]
	if pending == nil {
		t.Fatal("expected proposal still pending")
	}
	if len(pending.VotesFor) != 2 {
		t.Errorf("expected 2 for votes, got %v", pending.VotesFor)
	}
	if len(pending.VotesAgainst) != 0 {
		t.Errorf("expected vote moved, still have %v", pending.VotesAgainst)
	}
}

func TestLeaderProposalAutoAccepts(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	p, err := c.Propose(id, ids[0], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Errorf("expected leader proposal accepted immediately, got %s", p.Status)
	}

	got, _ := c.GetSwarm(id)
	if got.Status != StatusActive {
		t.Errorf("expected status active, got %s", got.Status)
	}
	if len(got.Consensus.Decisions) != 1 {
		t.Errorf("expected 1 decision, got %d", len(got.Consensus.Decisions))
	}
}

func TestSingleMemberProposalAutoAccepts(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 1)

	p, err := c.Propose(id, ids[0], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Errorf("expected accepted, got %s", p.Status)
	}
}

func TestVoteRejectsInvalidInput(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 5)
	p, _ := c.Propose(id, ids[1], ProposalEvidence, nil)

	if c.Vote(id, ids[2], p.ID, "maybe") {
		t.Error("expected invalid choice rejected")
	}
	if c.Vote(id, "stranger", p.ID, "for") {
		t.Error("expected non-member vote rejected")
	}
	if c.Vote(id, ids[2], "no-such-proposal", "for") {
		t.Error("expected unknown proposal rejected")
	}
	if c.Vote("no-such-swarm", ids[2], p.ID, "for") {
		t.Error("expected unknown swarm rejected")
	}

	// Resolve it, then confirm late votes bounce.
	c.Vote(id, ids[2], p.ID, "for")
	c.Vote(id, ids[3], p.ID, "for")
	if c.Vote(id, ids[4], p.ID, "for") {
		t.Error("expected vote on resolved proposal rejected")
	}
}

func TestProposeByNonMember(t *testing.T) {
	c := newTestCoordinator(t)
	id, _ := seedSwarm(t, c, 2)

	if _, err := c.Propose(id, "stranger", ProposalEvidence, nil); err != ErrAgentNotFound {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestProposalTimeoutAcceptsOnMajorityFor(t *testing.T) {
	cfg := testConfig()
	cfg.VoteWindow = 40 * time.Millisecond
	c := NewCoordinator(cfg, NewRegistry(), nil, nil)
	id, ids := seedSwarm(t, c, 3)

	p, err := c.Propose(id, ids[1], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// Nobody else votes; on expiry 1 for vs 0 against accepts.
	waitFor(t, time.Second, func() bool {
		got, err := c.GetSwarm(id)
		return err == nil && len(got.Consensus.Decisions) == 1
	})

	got, _ := c.GetSwarm(id)
	d := got.Consensus.Decisions[0]
	if d.ProposalID != p.ID {
		t.Errorf("decision for wrong proposal: %s", d.ProposalID)
	}
	if d.Outcome != ProposalAccepted {
		t.Errorf("expected accepted on timeout, got %s", d.Outcome)
	}
}

func TestProposalTimeoutRejectsOnMajorityAgainst(t *testing.T) {
	cfg := testConfig()
	cfg.VoteWindow = 40 * time.Millisecond
	c := NewCoordinator(cfg, NewRegistry(), nil, nil)
	id, ids := seedSwarm(t, c, 5)

	p, _ := c.Propose(id, ids[1], ProposalEvidence, nil)
	c.Vote(id, ids[2], p.ID, "against")
	c.Vote(id, ids[3], p.ID, "against")

	// 2 against vs 1 for, neither at quorum; expiry rejects.
	waitFor(t, time.Second, func() bool {
		got, err := c.GetSwarm(id)
		return err == nil && len(got.Consensus.Decisions) == 1
	})

	got, _ := c.GetSwarm(id)
	if got.Consensus.Decisions[0].Outcome != ProposalRejected {
		t.Errorf("expected rejected on timeout, got %s", got.Consensus.Decisions[0].Outcome)
	}
}

func TestTwoMemberWorkerProposal(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	// With 2 members quorum is 1, but the proposer's auto-vote alone does
	// not resolve; resolution waits for a vote to arrive.
	p, err := c.Propose(id, ids[1], ProposalEvidence, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalPending {
		t.Fatalf("expected worker proposal pending, got %s", p.Status)
	}

	if !c.Vote(id, ids[0], p.ID, "for") {
		t.Fatal("leader vote not recorded")
	}

	got, _ := c.GetSwarm(id)
	if len(got.Consensus.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got.Consensus.Decisions))
	}
	d := got.Consensus.Decisions[0]
	if d.Outcome != ProposalAccepted {
		t.Errorf("expected accepted, got %s", d.Outcome)
	}
	if d.For != 2 || d.Against != 0 || d.Abstain != 0 {
		t.Errorf("expected 2/0/0 tally, got %d/%d/%d", d.For, d.Against, d.Abstain)
	}
}

func TestStaleTimerAfterResolutionIsNoOp(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 5)

	p, _ := c.Propose(id, ids[1], ProposalEvidence, nil)
	c.Vote(id, ids[2], p.ID, "for")
	c.Vote(id, ids[3], p.ID, "for")

	got, _ := c.GetSwarm(id)
	if len(got.Consensus.Decisions) != 1 {
		t.Fatalf("expected proposal resolved at quorum, got %d decisions", len(got.Consensus.Decisions))
	}

	// A vote-window expiry that fires after quorum resolution must not
	// record a second decision.
	c.resolveOnTimeout(id, p.ID)

	got, _ = c.GetSwarm(id)
	if len(got.Consensus.Decisions) != 1 {
		t.Errorf("expected stale expiry ignored, got %d decisions", len(got.Consensus.Decisions))
	}
	if got.Status != StatusActive {
		t.Errorf("expected status active, got %s", got.Status)
	}
}

func TestRoleAssignmentProposal(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	content, _ := json.Marshal(map[string]string{
		"agent_id": ids[2],
		"role":     "leader",
	})
	p, err := c.Propose(id, ids[0], ProposalRoleAssignment, content)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Fatalf("expected accepted, got %s", p.Status)
	}

	got, _ := c.GetSwarm(id)
	if got.LeaderID != ids[2] {
		t.Errorf("expected leadership transferred to %s, got %s", ids[2], got.LeaderID)
	}
	if got.agent(ids[0]).Role != RoleWorker {
		t.Errorf("expected old leader demoted, got %s", got.agent(ids[0]).Role)
	}
	if got.agent(ids[2]).Role != RoleLeader {
		t.Errorf("expected new leader role, got %s", got.agent(ids[2]).Role)
	}
}

func TestTaskDelegationProposal(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	content, _ := json.Marshal(map[string]string{
		"task_id":         "task-1",
		"target_agent_id": ids[2],
	})
	p, err := c.Propose(id, ids[0], ProposalTaskDelegation, content)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Fatalf("expected accepted, got %s", p.Status)
	}

	got, _ := c.GetSwarm(id)
	if len(got.Delegations) != 1 {
		t.Fatalf("expected 1 delegation, got %d", len(got.Delegations))
	}
	d := got.Delegations[0]
	if d.AssigneeID != ids[2] {
		t.Errorf("expected assignee %s, got %s", ids[2], d.AssigneeID)
	}
	if d.DelegatedBy != ids[0] {
		t.Errorf("expected delegated_by set to proposer, got %s", d.DelegatedBy)
	}
	if got.agent(ids[2]).Status != AgentBusy {
		t.Errorf("expected assignee busy, got %s", got.agent(ids[2]).Status)
	}
}

func TestDissolutionProposal(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	p, err := c.Propose(id, ids[0], ProposalDissolution, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Fatalf("expected accepted, got %s", p.Status)
	}

	got, _ := c.GetSwarm(id)
	if got.Status != StatusDissolving {
		t.Errorf("expected dissolving, got %s", got.Status)
	}

	// No proposals accepted while dissolving.
	if _, err := c.Propose(id, ids[1], ProposalEvidence, nil); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition while dissolving, got %v", err)
	}

	// After the grace period the swarm completes and retires.
	waitFor(t, time.Second, func() bool {
		_, err := c.GetSwarm(id)
		return err == ErrSwarmNotFound
	})
}

func TestDissolutionSurvivesLeaderFailover(t *testing.T) {
	cfg := testConfig()
	cfg.DissolutionGrace = 200 * time.Millisecond
	c := NewCoordinator(cfg, NewRegistry(), nil, nil)
	id, ids := seedSwarm(t, c, 3)

	p, err := c.Propose(id, ids[0], ProposalDissolution, nil)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.Status != ProposalAccepted {
		t.Fatalf("expected accepted, got %s", p.Status)
	}

	// The leader goes dark during the grace period; re-election must not
	// cancel the accepted dissolution.
	backdateHeartbeat(t, c, id, ids[0], time.Hour)
	c.sweepHeartbeats()

	got, _ := c.GetSwarm(id)
	if got.Status != StatusDissolving {
		t.Fatalf("expected still dissolving after failover, got %s", got.Status)
	}

	waitFor(t, time.Second, func() bool {
		_, err := c.GetSwarm(id)
		return err == ErrSwarmNotFound
	})
}

func TestDissolutionSurvivesLeaderLeave(t *testing.T) {
	cfg := testConfig()
	cfg.DissolutionGrace = 200 * time.Millisecond
	c := NewCoordinator(cfg, NewRegistry(), nil, nil)
	id, ids := seedSwarm(t, c, 3)

	if _, err := c.Propose(id, ids[0], ProposalDissolution, nil); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := c.Leave(id, ids[0]); err != nil {
		t.Fatalf("leave: %v", err)
	}

	got, _ := c.GetSwarm(id)
	if got.Status != StatusDissolving {
		t.Fatalf("expected still dissolving after leader left, got %s", got.Status)
	}

	waitFor(t, time.Second, func() bool {
		_, err := c.GetSwarm(id)
		return err == ErrSwarmNotFound
	})
}
