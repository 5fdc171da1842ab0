package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/apiary/internal/config"
	_ "modernc.org/sqlite"
)

// Store is the durable mirror of coordinator state. In-memory swarm state is
// authoritative; a failed write here is logged by the caller and never rolls
// back an already-committed transition.
type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			objective    TEXT NOT NULL,
			status       TEXT NOT NULL,
			leader_id    TEXT,
			term         INTEGER NOT NULL DEFAULT 0,
			member_ids   TEXT NOT NULL DEFAULT '[]',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS delegations (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL REFERENCES swarms(id),
			task_id      TEXT NOT NULL,
			task_type    TEXT NOT NULL DEFAULT 'general',
			assignee_id  TEXT NOT NULL,
			delegated_by TEXT NOT NULL,
			priority     TEXT NOT NULL DEFAULT 'normal',
			status       TEXT NOT NULL DEFAULT 'pending',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delegations_swarm ON delegations(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS behaviors (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL REFERENCES swarms(id),
			type         TEXT NOT NULL,
			description  TEXT NOT NULL,
			evidence     TEXT,
			significance REAL NOT NULL DEFAULT 0,
			detected_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_behaviors_swarm ON behaviors(swarm_id, detected_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
