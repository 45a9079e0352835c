package store

import (
	"database/sql"
	"fmt"

	"autopilot/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	spec_reference     TEXT NOT NULL,
	total_features     INTEGER NOT NULL CHECK (total_features >= 0),
	completed_features INTEGER NOT NULL DEFAULT 0
		CHECK (completed_features >= 0 AND completed_features <= total_features),
	status             TEXT NOT NULL,
	version            INTEGER NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS progress_events (
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	seq                INTEGER NOT NULL,
	status             TEXT NOT NULL,
	completed_features INTEGER NOT NULL,
	total_features     INTEGER NOT NULL,
	ts                 TEXT NOT NULL,
	message            TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);
`

// Migration adds a column that older databases lack.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the first schema.
var pendingMigrations = []Migration{
	{"sessions", "tags", "TEXT NOT NULL DEFAULT '[]'"},
	{"sessions", "last_message", "TEXT NOT NULL DEFAULT ''"},
	{"sessions", "last_error", "TEXT NOT NULL DEFAULT ''"},
}

// runMigrations applies pendingMigrations idempotently.
func runMigrations(db *sql.DB) error {
	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
		logging.Store("Applied migration: %s.%s", m.Table, m.Column)
	}
	if applied > 0 {
		logging.Store("Schema migrations complete: %d applied", applied)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.StoreDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	if err != nil {
		logging.StoreDebug("Table existence check failed for %s: %v", table, err)
		return false
	}
	return count > 0
}
