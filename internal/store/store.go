// Package store persists orders and their generated pages in a local
// SQLite database. Page rows are only ever the contiguous prefix of
// successfully generated pages, so a resumed run can trust them.
package store

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the orders database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and runs
// migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY between the orchestrator's workers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS orders (
  id              TEXT PRIMARY KEY,
  customer_name   TEXT NOT NULL,
  customer_email  TEXT NOT NULL,
  reference_path  TEXT NOT NULL,
  style           TEXT NOT NULL DEFAULT '',
  page_count      INTEGER NOT NULL,
  status          TEXT NOT NULL,          -- pending|paid|generating|completed|failed
  pages_done      INTEGER NOT NULL DEFAULT 0,
  artifact_path   TEXT NOT NULL DEFAULT '',
  failure_reason  TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, created_at);

CREATE TABLE IF NOT EXISTS pages (
  order_id    TEXT NOT NULL REFERENCES orders(id),
  number      INTEGER NOT NULL,           -- 0 is the cover
  prompt      TEXT NOT NULL,
  caption     TEXT NOT NULL DEFAULT '',
  image_path  TEXT NOT NULL,
  created_at  TIMESTAMP NOT NULL,
  PRIMARY KEY (order_id, number)
);
`
	_, err := s.db.Exec(schema)
	return err
}
