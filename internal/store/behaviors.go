package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type BehaviorRecord struct {
	ID           string          `json:"id"`
	SwarmID      string          `json:"swarm_id"`
	Type         string          `json:"type"`
	Description  string          `json:"description"`
	Evidence     json.RawMessage `json:"evidence,omitempty"`
	Significance float64         `json:"significance"`
	DetectedAt   time.Time       `json:"detected_at"`
}

const behaviorColumns = `id, swarm_id, type, description, evidence, significance, detected_at`

// SaveBehavior appends an emergent-behavior record. Records are immutable, so
// a duplicate id insert is ignored rather than updated.
func (s *Store) SaveBehavior(b *BehaviorRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO behaviors (id, swarm_id, type, description, evidence, significance)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		b.ID, b.SwarmID, b.Type, b.Description, nullableJSON(b.Evidence), b.Significance)
	if err != nil {
		return fmt.Errorf("save behavior: %w", err)
	}
	return nil
}

func (s *Store) ListBehaviors(swarmID string) ([]BehaviorRecord, error) {
	rows, err := s.db.Query(`SELECT `+behaviorColumns+` FROM behaviors WHERE swarm_id = ? ORDER BY detected_at`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list behaviors: %w", err)
	}
	defer rows.Close()

	var out []BehaviorRecord
	for rows.Next() {
		b := BehaviorRecord{}
		var evidence *string
		if err := rows.Scan(&b.ID, &b.SwarmID, &b.Type, &b.Description, &evidence, &b.Significance, &b.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan behavior: %w", err)
		}
		if evidence != nil {
			b.Evidence = json.RawMessage(*evidence)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
