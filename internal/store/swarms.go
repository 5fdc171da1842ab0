package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SwarmSnapshot is the durable shape of a swarm. Member ids are stored as a
// JSON array; full agent state lives only in memory.
type SwarmSnapshot struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Objective   string     `json:"objective"`
	Status      string     `json:"status"`
	LeaderID    string     `json:"leader_id,omitempty"`
	Term        int        `json:"term"`
	MemberIDs   []string   `json:"member_ids"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const swarmColumns = `id, name, objective, status, leader_id, term, member_ids, created_at, completed_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*SwarmSnapshot, error) {
	snap := &SwarmSnapshot{}
	var leader sql.NullString
	var members string
	err := scanner.Scan(&snap.ID, &snap.Name, &snap.Objective, &snap.Status, &leader, &snap.Term, &members, &snap.CreatedAt, &snap.CompletedAt)
	if err != nil {
		return nil, err
	}
	snap.LeaderID = leader.String
	if err := json.Unmarshal([]byte(members), &snap.MemberIDs); err != nil {
		return nil, fmt.Errorf("decode member ids: %w", err)
	}
	return snap, nil
}

// SaveSwarm upserts a swarm snapshot keyed by id. created_at is set on first
// insert only; completed_at is stamped when the swarm reaches a terminal
// status.
func (s *Store) SaveSwarm(snap *SwarmSnapshot) error {
	members, err := json.Marshal(snap.MemberIDs)
	if err != nil {
		return fmt.Errorf("encode member ids: %w", err)
	}
	if snap.MemberIDs == nil {
		members = []byte("[]")
	}

	var leader any
	if snap.LeaderID != "" {
		leader = snap.LeaderID
	}

	_, err = s.db.Exec(`
		INSERT INTO swarms (id, name, objective, status, leader_id, term, member_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			leader_id = excluded.leader_id,
			term = excluded.term,
			member_ids = excluded.member_ids,
			completed_at = CASE WHEN excluded.status = 'completed' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		snap.ID, snap.Name, snap.Objective, snap.Status, leader, snap.Term, string(members))
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*SwarmSnapshot, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	snap, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return snap, nil
}

func (s *Store) ListSwarms() ([]SwarmSnapshot, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []SwarmSnapshot
	for rows.Next() {
		snap, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *snap)
	}
	return swarms, rows.Err()
}
