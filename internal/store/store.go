package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/flowmesh/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// dsn applies the pragmas on every pooled connection. WAL lets status reads
// proceed while the engine writes transitions; busy_timeout and immediate
// transactions make concurrent writers queue instead of failing.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_txlock=immediate"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to dest.
func (s *Store) Snapshot(dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	_ = os.Remove(dest)
	if _, err := s.db.Exec(`VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			description  TEXT,
			status       TEXT NOT NULL,
			cancelled    INTEGER DEFAULT 0,
			task_order   TEXT NOT NULL,
			created_at   DATETIME NOT NULL,
			started_at   DATETIME,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_created ON workflows(created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_tasks (
			workflow_id   TEXT NOT NULL REFERENCES workflows(id),
			task_id       TEXT NOT NULL,
			name          TEXT NOT NULL,
			agent         TEXT NOT NULL,
			prompt        TEXT NOT NULL,
			depends_on    TEXT,
			status        TEXT NOT NULL,
			result        TEXT,
			error_kind    TEXT,
			error_message TEXT,
			started_at    DATETIME,
			finished_at   DATETIME,
			PRIMARY KEY (workflow_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_workflows (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			schedule         TEXT NOT NULL,
			definition       TEXT NOT NULL,
			status           TEXT DEFAULT 'active',
			next_run_at      DATETIME,
			last_run_at      DATETIME,
			last_status      TEXT,
			last_error       TEXT,
			last_workflow_id TEXT,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON scheduled_workflows(status, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			description TEXT,
			value       BLOB NOT NULL,
			nonce       BLOB NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}
