package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"autopilot/internal/logging"
	"autopilot/internal/session"
)

const sessionColumns = `id, spec_reference, total_features, completed_features, status,
	tags, last_message, last_error, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		s                session.Session
		status, tags     string
		created, updated string
	)
	err := row.Scan(&s.ID, &s.SpecReference, &s.TotalFeatures, &s.CompletedFeatures, &status,
		&tags, &s.LastMessage, &s.LastError, &s.Version, &created, &updated)
	if err != nil {
		return session.Session{}, err
	}
	s.Status = session.Status(status)
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &s.Tags); err != nil {
			return session.Session{}, fmt.Errorf("decode tags of %s: %w", s.ID, err)
		}
	}
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return s, nil
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// Create inserts a new session with version 1.
func (s *SQLiteStore) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sess = sess.Clone()
	sess.Version = 1
	if sess.Status == "" {
		sess.Status = session.StatusCreated
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if err := sess.Validate(); err != nil {
		return session.Session{}, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.SpecReference, sess.TotalFeatures, sess.CompletedFeatures, string(sess.Status),
		encodeTags(sess.Tags), sess.LastMessage, sess.LastError, sess.Version,
		formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
	if err != nil {
		logging.StoreError("Failed to create session %s: %v", sess.ID, err)
		return session.Session{}, fmt.Errorf("create session %s: %w", sess.ID, err)
	}

	logging.StoreDebug("Created session %s (total_features=%d)", sess.ID, sess.TotalFeatures)
	return sess, nil
}

// Get loads a session.
func (s *SQLiteStore) Get(ctx context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// CompareAndSwap applies mutate to the stored session if its version still
// equals expectedVersion. The mutation is validated against the state
// machine before it is written.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate session.Mutation) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return session.Session{}, fmt.Errorf("cas %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	before, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("cas %s: read: %w", id, err)
	}
	if before.Version != expectedVersion {
		return session.Session{}, fmt.Errorf("%w: %s at version %d, expected %d",
			session.ErrVersionConflict, id, before.Version, expectedVersion)
	}

	after := before.Clone()
	if err := mutate(&after); err != nil {
		return session.Session{}, err
	}
	if err := session.CheckMutation(before, after); err != nil {
		return session.Session{}, err
	}
	after.Version = before.Version + 1
	after.CreatedAt = before.CreatedAt
	after.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			completed_features = ?, status = ?, tags = ?, last_message = ?, last_error = ?,
			version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		after.CompletedFeatures, string(after.Status), encodeTags(after.Tags), after.LastMessage, after.LastError,
		after.Version, formatTime(after.UpdatedAt),
		id, expectedVersion)
	if err != nil {
		return session.Session{}, fmt.Errorf("cas %s: update: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return session.Session{}, fmt.Errorf("%w: %s changed during update", session.ErrVersionConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return session.Session{}, fmt.Errorf("cas %s: commit: %w", id, err)
	}

	if before.Status != after.Status {
		logging.StoreDebug("Session %s: %s -> %s (v%d)", id, before.Status, after.Status, after.Version)
	}
	return after, nil
}

// ListActive returns every session not in a terminal status.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]session.Session, error) {
	return s.list(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE status IN (?, ?, ?) ORDER BY created_at, id`,
		string(session.StatusCreated), string(session.StatusRunning), string(session.StatusPaused))
}

// List returns every session, oldest first.
func (s *SQLiteStore) List(ctx context.Context) ([]session.Session, error) {
	return s.list(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, id`)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
