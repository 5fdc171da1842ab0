package store

import (
	"database/sql"
	"fmt"
	"time"
)

type DelegationRecord struct {
	ID          string     `json:"id"`
	SwarmID     string     `json:"swarm_id"`
	TaskID      string     `json:"task_id"`
	TaskType    string     `json:"task_type"`
	AssigneeID  string     `json:"assignee_id"`
	DelegatedBy string     `json:"delegated_by"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const delegationColumns = `id, swarm_id, task_id, task_type, assignee_id, delegated_by, priority, status, created_at, completed_at`

func scanDelegation(scanner interface {
	Scan(dest ...any) error
}) (*DelegationRecord, error) {
	d := &DelegationRecord{}
	err := scanner.Scan(&d.ID, &d.SwarmID, &d.TaskID, &d.TaskType, &d.AssigneeID, &d.DelegatedBy, &d.Priority, &d.Status, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Store) SaveDelegation(d *DelegationRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO delegations (id, swarm_id, task_id, task_type, assignee_id, delegated_by, priority, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		d.ID, d.SwarmID, d.TaskID, d.TaskType, d.AssigneeID, d.DelegatedBy, d.Priority, d.Status)
	if err != nil {
		return fmt.Errorf("save delegation: %w", err)
	}
	return nil
}

// UpdateDelegationStatus changes only the status (and completion stamp on a
// terminal transition), leaving all other columns untouched.
func (s *Store) UpdateDelegationStatus(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE delegations
		SET status = ?,
		    completed_at = CASE WHEN ? IN ('completed', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE id = ?`, status, status, id)
	if err != nil {
		return fmt.Errorf("update delegation status: %w", err)
	}
	return nil
}

func (s *Store) GetDelegation(id string) (*DelegationRecord, error) {
	row := s.db.QueryRow(`SELECT `+delegationColumns+` FROM delegations WHERE id = ?`, id)
	d, err := scanDelegation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delegation: %w", err)
	}
	return d, nil
}

func (s *Store) ListDelegations(swarmID string) ([]DelegationRecord, error) {
	rows, err := s.db.Query(`SELECT `+delegationColumns+` FROM delegations WHERE swarm_id = ? ORDER BY created_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()

	var out []DelegationRecord
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}
