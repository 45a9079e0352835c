package store

import (
	"context"
	"fmt"

	"autopilot/internal/session"
)

// AppendProgress assigns the next sequence number for the event's session
// and appends it to the log. The returned event carries the assigned Seq.
func (s *SQLiteStore) AppendProgress(ctx context.Context, ev session.ProgressEvent) (session.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ev, fmt.Errorf("append progress %s: begin: %w", ev.SessionID, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions WHERE id = ?", ev.SessionID).Scan(&exists); err != nil {
		return ev, fmt.Errorf("append progress %s: %w", ev.SessionID, err)
	}
	if exists == 0 {
		return ev, fmt.Errorf("%w: %s", session.ErrNotFound, ev.SessionID)
	}

	var last int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM progress_events WHERE session_id = ?", ev.SessionID).Scan(&last); err != nil {
		return ev, fmt.Errorf("append progress %s: %w", ev.SessionID, err)
	}
	ev.Seq = last + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO progress_events (session_id, seq, status, completed_features, total_features, ts, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Seq, string(ev.Status), ev.CompletedFeatures, ev.TotalFeatures, formatTime(ev.Timestamp), ev.Message)
	if err != nil {
		return ev, fmt.Errorf("append progress %s: insert: %w", ev.SessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return ev, fmt.Errorf("append progress %s: commit: %w", ev.SessionID, err)
	}
	return ev, nil
}

// ListProgress returns the events of a session with seq > sinceSeq, in order.
func (s *SQLiteStore) ListProgress(ctx context.Context, id string, sinceSeq int64) ([]session.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, status, completed_features, total_features, ts, message
		FROM progress_events
		WHERE session_id = ? AND seq > ?
		ORDER BY seq`, id, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list progress %s: %w", id, err)
	}
	defer rows.Close()

	var out []session.ProgressEvent
	for rows.Next() {
		ev := session.ProgressEvent{SessionID: id}
		var status, ts string
		if err := rows.Scan(&ev.Seq, &status, &ev.CompletedFeatures, &ev.TotalFeatures, &ts, &ev.Message); err != nil {
			return nil, err
		}
		ev.Status = session.Status(status)
		ev.Timestamp = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}
