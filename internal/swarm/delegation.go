package swarm

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DelegationRequest describes one task assignment. Either TargetAgentID names
// the assignee directly or Capabilities drives capability-based selection.
type DelegationRequest struct {
	TaskID        string   `json:"task_id"`
	TaskType      string   `json:"task_type,omitempty"`
	TargetAgentID string   `json:"target_agent_id,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	DelegatedBy   string   `json:"delegated_by"`
	Priority      string   `json:"priority,omitempty"`
}

// Delegate assigns a task to an agent. The assignee transitions to busy until
// the delegation resolves; the assignment is pushed to that agent as a point
// message, not a broadcast.
func (c *Coordinator) Delegate(swarmID string, req DelegationRequest) (*Delegation, error) {
	var out *Delegation
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		d, err := c.delegateLocked(sw, req)
		if err != nil {
			return err
		}
		copied := *d
		out = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) delegateLocked(sw *Swarm, req DelegationRequest) (*Delegation, error) {
	var target *Agent
	if req.TargetAgentID != "" {
		target = sw.agent(req.TargetAgentID)
		if target == nil {
			return nil, ErrAgentNotFound
		}
		if target.Status != AgentActive {
			return nil, ErrInvalidTransition
		}
	} else {
		target = selectBestAgent(sw, req.Capabilities)
		if target == nil {
			return nil, ErrAgentNotFound
		}
	}

	if req.TaskType == "" {
		req.TaskType = "general"
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}

	d := &Delegation{
		ID:          uuid.New().String(),
		SwarmID:     sw.ID,
		TaskID:      req.TaskID,
		TaskType:    req.TaskType,
		AssigneeID:  target.ID,
		DelegatedBy: req.DelegatedBy,
		Priority:    req.Priority,
		Status:      DelegationPending,
		CreatedAt:   time.Now(),
	}
	sw.Delegations = append(sw.Delegations, d)

	target.Status = AgentBusy
	target.CurrentTask = req.TaskID

	c.persistDelegation(d)
	c.notifyAgent(sw.ID, target.ID, "task_delegated", map[string]any{
		"delegation_id": d.ID,
		"task_id":       d.TaskID,
		"task_type":     d.TaskType,
		"delegated_by":  d.DelegatedBy,
		"priority":      d.Priority,
	})

	slog.Info("task delegated", "swarm", sw.ID, "task", d.TaskID, "assignee", target.ID)
	return d, nil
}

// selectBestAgent scores every active agent by capability overlap with the
// requirement, plus 3 when the agent's derived specialization is itself
// required. Ties go to the first agent in membership order.
func selectBestAgent(sw *Swarm, required []string) *Agent {
	reqSet := make(map[string]bool, len(required))
	for _, cap := range required {
		reqSet[cap] = true
	}

	var best *Agent
	bestScore := -1
	for _, a := range sw.Agents {
		if a.Status != AgentActive {
			continue
		}
		score := 0
		for _, cap := range a.Capabilities {
			if reqSet[cap] {
				score++
			}
		}
		if a.Specialization != "" && reqSet[a.Specialization] {
			score += 3
		}
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

// UpdateDelegation applies a delegation status transition. Completing or
// failing a delegation frees the assignee and triggers an asynchronous
// behavior-analysis pass over the swarm's history.
func (c *Coordinator) UpdateDelegation(swarmID, delegationID string, status DelegationStatus) error {
	switch status {
	case DelegationAccepted, DelegationInProgress, DelegationCompleted, DelegationFailed:
	default:
		return ErrInvalidTransition
	}

	terminal := false
	err := c.registry.With(swarmID, func(sw *Swarm) error {
		var d *Delegation
		for _, cand := range sw.Delegations {
			if cand.ID == delegationID {
				d = cand
				break
			}
		}
		if d == nil {
			return ErrDelegationNotFound
		}
		if d.Status == DelegationCompleted || d.Status == DelegationFailed {
			return ErrInvalidTransition
		}

		d.Status = status
		if status == DelegationCompleted || status == DelegationFailed {
			now := time.Now()
			d.CompletedAt = &now
			terminal = true

			if assignee := sw.agent(d.AssigneeID); assignee != nil && assignee.CurrentTask == d.TaskID {
				assignee.Status = AgentActive
				assignee.CurrentTask = ""
			}
		}

		if c.store != nil {
			id := d.ID
			st := string(status)
			go func() {
				if err := c.store.UpdateDelegationStatus(id, st); err != nil {
					slog.Error("persist delegation status", "delegation", id, "error", err)
				}
			}()
		}

		c.publishEvent(sw.ID, "delegation_updated", map[string]any{
			"delegation_id": d.ID,
			"task_id":       d.TaskID,
			"assignee_id":   d.AssigneeID,
			"status":        status,
		})
		return nil
	})
	if err != nil {
		return err
	}

	if terminal {
		// The analyzer reads a history snapshot on its own goroutine; the
		// status update never blocks on it.
		go c.Analyze(swarmID)
	}
	return nil
}
