package swarm

import (
	"encoding/json"
	"errors"
	"time"
)

type SwarmStatus string

const (
	StatusForming    SwarmStatus = "forming"
	StatusActive     SwarmStatus = "active"
	StatusVoting     SwarmStatus = "voting"
	StatusDissolving SwarmStatus = "dissolving"
	StatusCompleted  SwarmStatus = "completed"
)

type AgentRole string

const (
	RoleLeader   AgentRole = "leader"
	RoleWorker   AgentRole = "worker"
	RoleObserver AgentRole = "observer"
)

type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

type ProposalType string

const (
	ProposalTaskDelegation ProposalType = "task_delegation"
	ProposalRoleAssignment ProposalType = "role_assignment"
	ProposalEvidence       ProposalType = "evidence_reconciliation"
	ProposalDissolution    ProposalType = "swarm_dissolution"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

type DelegationStatus string

const (
	DelegationPending    DelegationStatus = "pending"
	DelegationAccepted   DelegationStatus = "accepted"
	DelegationInProgress DelegationStatus = "in_progress"
	DelegationCompleted  DelegationStatus = "completed"
	DelegationFailed     DelegationStatus = "failed"
)

type BehaviorType string

const (
	BehaviorSpecialization BehaviorType = "specialization"
	BehaviorCollaboration  BehaviorType = "collaboration_pattern"
	BehaviorEfficiencyGain BehaviorType = "efficiency_gain"
	BehaviorNovelStrategy  BehaviorType = "novel_strategy"
)

var (
	ErrSwarmNotFound      = errors.New("swarm not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrDelegationNotFound = errors.New("delegation not found")
	ErrSwarmFull          = errors.New("swarm at maximum members")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// Agent is one swarm participant. Specialization is derived by the behavior
// analyzer, never asserted by the agent itself.
type Agent struct {
	ID             string      `json:"id"`
	IdentityID     string      `json:"identity_id"`
	Role           AgentRole   `json:"role"`
	Capabilities   []string    `json:"capabilities"`
	Specialization string      `json:"specialization,omitempty"`
	Status         AgentStatus `json:"status"`
	CurrentTask    string      `json:"current_task,omitempty"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	JoinedAt       time.Time   `json:"joined_at"`
}

// Proposal is a pending group decision. An agent id appears in at most one of
// VotesFor/VotesAgainst; re-voting overwrites the previous vote.
type Proposal struct {
	ID           string          `json:"id"`
	ProposerID   string          `json:"proposer_id"`
	Type         ProposalType    `json:"type"`
	Content      json.RawMessage `json:"content,omitempty"`
	VotesFor     []string        `json:"votes_for"`
	VotesAgainst []string        `json:"votes_against"`
	Status       ProposalStatus  `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`

	timer *time.Timer
}

// Decision is the immutable record of a resolved proposal.
type Decision struct {
	ID         string         `json:"id"`
	ProposalID string         `json:"proposal_id"`
	Outcome    ProposalStatus `json:"outcome"`
	For        int            `json:"for"`
	Against    int            `json:"against"`
	Abstain    int            `json:"abstain"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// ConsensusState is per-swarm election and voting bookkeeping. Term only ever
// increases, and only on leader election.
type ConsensusState struct {
	Term      int                  `json:"term"`
	Votes     map[string]string    `json:"votes,omitempty"`
	Proposals map[string]*Proposal `json:"proposals"`
	Decisions []Decision           `json:"decisions"`
}

func newConsensusState() *ConsensusState {
	return &ConsensusState{
		Votes:     make(map[string]string),
		Proposals: make(map[string]*Proposal),
	}
}

// Delegation assigns one task to one agent. Delegations are never deleted;
// the accumulated history feeds the behavior analyzer.
type Delegation struct {
	ID          string           `json:"id"`
	SwarmID     string           `json:"swarm_id"`
	TaskID      string           `json:"task_id"`
	TaskType    string           `json:"task_type"`
	AssigneeID  string           `json:"assignee_id"`
	DelegatedBy string           `json:"delegated_by"`
	Priority    string           `json:"priority"`
	Status      DelegationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// EmergentBehavior is a derived observation over delegation history,
// append-only once detected.
type EmergentBehavior struct {
	ID           string         `json:"id"`
	SwarmID      string         `json:"swarm_id"`
	Type         BehaviorType   `json:"type"`
	Description  string         `json:"description"`
	Evidence     map[string]any `json:"evidence,omitempty"`
	Significance float64        `json:"significance"`
	DetectedAt   time.Time      `json:"detected_at"`
}

// Swarm is a bounded group of agents pursuing one objective.
type Swarm struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Objective   string          `json:"objective"`
	Status      SwarmStatus     `json:"status"`
	LeaderID    string          `json:"leader_id,omitempty"`
	Agents      []*Agent        `json:"agents"`
	Consensus   *ConsensusState `json:"consensus"`
	Delegations []*Delegation   `json:"delegations"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (sw *Swarm) agent(agentID string) *Agent {
	for _, a := range sw.Agents {
		if a.ID == agentID {
			return a
		}
	}
	return nil
}

func (sw *Swarm) memberIDs() []string {
	ids := make([]string, len(sw.Agents))
	for i, a := range sw.Agents {
		ids[i] = a.ID
	}
	return ids
}

func (sw *Swarm) pendingCount() int {
	n := 0
	for _, p := range sw.Consensus.Proposals {
		if p.Status == ProposalPending {
			n++
		}
	}
	return n
}
