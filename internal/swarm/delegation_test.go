package swarm

import (
	"testing"
)

func TestDelegateExplicitTarget(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 3)

	d, err := c.Delegate(id, DelegationRequest{
		TaskID:        "task-1",
		TargetAgentID: ids[1],
		DelegatedBy:   ids[0],
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.Status != DelegationPending {
		t.Errorf("expected pending, got %s", d.Status)
	}
	if d.TaskType != "general" || d.Priority != "normal" {
		t.Errorf("expected defaults, got type=%s priority=%s", d.TaskType, d.Priority)
	}

	got, _ := c.GetSwarm(id)
	assignee := got.agent(ids[1])
	if assignee.Status != AgentBusy {
		t.Errorf("expected assignee busy, got %s", assignee.Status)
	}
	if assignee.CurrentTask != "task-1" {
		t.Errorf("expected current task set, got %q", assignee.CurrentTask)
	}
}

func TestDelegateBusyTarget(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	if _, err := c.Delegate(id, DelegationRequest{TaskID: "t1", TargetAgentID: ids[1], DelegatedBy: ids[0]}); err != nil {
		t.Fatalf("first delegate: %v", err)
	}
	if _, err := c.Delegate(id, DelegationRequest{TaskID: "t2", TargetAgentID: ids[1], DelegatedBy: ids[0]}); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition for busy target, got %v", err)
	}
}

func TestDelegateUnknownTarget(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	if _, err := c.Delegate(id, DelegationRequest{TaskID: "t1", TargetAgentID: "stranger", DelegatedBy: ids[0]}); err != ErrAgentNotFound {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestDelegateCapabilityMatch(t *testing.T) {
	c := newTestCoordinator(t)
	sw := c.CreateSwarm("alpha", "obj")
	_, _ = c.Join(sw.ID, "agent-1", "", []string{"planning"})
	_, _ = c.Join(sw.ID, "agent-2", "", []string{"go", "sql"})
	_, _ = c.Join(sw.ID, "agent-3", "", []string{"go"})

	d, err := c.Delegate(sw.ID, DelegationRequest{
		TaskID:       "t1",
		Capabilities: []string{"go", "sql"},
		DelegatedBy:  "agent-1",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AssigneeID != "agent-2" {
		t.Errorf("expected best overlap agent-2, got %s", d.AssigneeID)
	}
}

func TestDelegateSpecializationOutweighsOverlap(t *testing.T) {
	c := newTestCoordinator(t)
	sw := c.CreateSwarm("alpha", "obj")
	_, _ = c.Join(sw.ID, "agent-1", "", []string{"go", "sql"})
	_, _ = c.Join(sw.ID, "agent-2", "", []string{"sql"})

	// agent-2 has a derived specialization matching the requirement; the
	// bonus beats agent-1's wider raw overlap.
	err := c.registry.With(sw.ID, func(s *Swarm) error {
		s.agent("agent-2").Specialization = "sql"
		return nil
	})
	if err != nil {
		t.Fatalf("seed specialization: %v", err)
	}

	d, err := c.Delegate(sw.ID, DelegationRequest{
		TaskID:       "t1",
		Capabilities: []string{"go", "sql"},
		DelegatedBy:  "agent-1",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AssigneeID != "agent-2" {
		t.Errorf("expected specialist agent-2, got %s", d.AssigneeID)
	}
}

func TestDelegateSkipsUnavailableAgents(t *testing.T) {
	c := newTestCoordinator(t)
	sw := c.CreateSwarm("alpha", "obj")
	_, _ = c.Join(sw.ID, "agent-1", "", []string{"go"})
	_, _ = c.Join(sw.ID, "agent-2", "", []string{"go", "sql"})

	if err := c.UpdateAgentStatus(sw.ID, "agent-2", AgentBusy); err != nil {
		t.Fatalf("update status: %v", err)
	}

	d, err := c.Delegate(sw.ID, DelegationRequest{
		TaskID:       "t1",
		Capabilities: []string{"go", "sql"},
		DelegatedBy:  "agent-1",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if d.AssigneeID != "agent-1" {
		t.Errorf("expected busy agent skipped, got %s", d.AssigneeID)
	}
}

func TestUpdateDelegationLifecycle(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	d, err := c.Delegate(id, DelegationRequest{TaskID: "t1", TargetAgentID: ids[1], DelegatedBy: ids[0]})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}

	for _, status := range []DelegationStatus{DelegationAccepted, DelegationInProgress} {
		if err := c.UpdateDelegation(id, d.ID, status); err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
	}

	got, _ := c.GetSwarm(id)
	if got.Delegations[0].CompletedAt != nil {
		t.Error("expected no completion stamp before terminal status")
	}

	if err := c.UpdateDelegation(id, d.ID, DelegationCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ = c.GetSwarm(id)
	if got.Delegations[0].Status != DelegationCompleted {
		t.Errorf("expected completed, got %s", got.Delegations[0].Status)
	}
	if got.Delegations[0].CompletedAt == nil {
		t.Error("expected completion stamp")
	}
	assignee := got.agent(ids[1])
	if assignee.Status != AgentActive || assignee.CurrentTask != "" {
		t.Errorf("expected assignee freed, got status=%s task=%q", assignee.Status, assignee.CurrentTask)
	}

	// Terminal delegations are immutable.
	if err := c.UpdateDelegation(id, d.ID, DelegationFailed); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition after terminal, got %v", err)
	}
}

func TestUpdateDelegationValidation(t *testing.T) {
	c := newTestCoordinator(t)
	id, ids := seedSwarm(t, c, 2)

	if err := c.UpdateDelegation(id, "no-such", DelegationCompleted); err != ErrDelegationNotFound {
		t.Errorf("expected ErrDelegationNotFound, got %v", err)
	}

	d, _ := c.Delegate(id, DelegationRequest{TaskID: "t1", TargetAgentID: ids[1], DelegatedBy: ids[0]})
	if err := c.UpdateDelegation(id, d.ID, "paused"); err != ErrInvalidTransition {
		t.Errorf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}
