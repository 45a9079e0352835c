// Package store is the durable SessionStore: session records and their
// append-only progress logs in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autopilot/internal/logging"
	"autopilot/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements session.Store.
//
// Every write happens inside a transaction on a single connection, so a
// compare-and-swap is atomic with respect to every other writer in the
// process; the version check in the UPDATE guards against other processes
// sharing the file. Open also takes an exclusive lock beside the database,
// so only one process at a time drives the sessions stored in it.
type SQLiteStore struct {
	db     *sql.DB
	lock   *os.File
	mu     sync.RWMutex
	dbPath string
	closed bool
}

var _ session.Store = (*SQLiteStore)(nil)

// ErrLocked is returned by Open when another store holds the database.
var ErrLocked = errors.New("session database is in use by another autopilot process")

// Options tunes the store.
type Options struct {
	BusyTimeout time.Duration
}

// Open opens (or creates) the session database at path.
func Open(path string, opts Options) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening session store at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	var lock *os.File
	if path != ":memory:" {
		var err error
		if lock, err = lockFile(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		unlock(lock)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// WAL already gives crash consistency; NORMAL only risks the last
	// commits on power loss, never corruption.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &SQLiteStore{db: db, lock: lock, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		unlock(lock)
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := runMigrations(s.db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database. Further calls fail.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	logging.StoreDebug("Closing session store %s", s.dbPath)
	err := s.db.Close()
	unlock(s.lock)
	return err
}

func unlock(f *os.File) {
	if f == nil {
		return
	}
	if err := unlockFile(f); err != nil {
		logging.StoreDebug("Failed to release store lock: %v", err)
	}
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.dbPath }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
