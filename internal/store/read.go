package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// HasEvent reports whether the event log holds id.
func (s *Store) HasEvent(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has event: %w", err)
	}
	return n > 0, nil
}

// OpenSession returns the OPEN session for key, if any.
func (s *Store) OpenSession(ctx context.Context, key ir.SessionKey) (ir.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subject_id = ? AND category = ? AND origin_id = ? AND state = 'OPEN'
	`, key.SubjectID, string(key.Category), key.OriginID)
	return oneSession(row)
}

// OpenSessionsFor returns all OPEN sessions of a subject and category,
// ordered by origin.
func (s *Store) OpenSessionsFor(ctx context.Context, subjectID string, category ir.Category) ([]ir.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subject_id = ? AND category = ? AND state = 'OPEN'
		ORDER BY origin_id ASC
	`, subjectID, string(category))
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}
	return collectSessions(rows)
}

// Watermark returns the latest end among closed sessions for key, merge
// originals included.
func (s *Store) Watermark(ctx context.Context, key ir.SessionKey) (time.Time, bool, error) {
	var mark sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(ended_at) FROM sessions
		WHERE subject_id = ? AND category = ? AND origin_id = ?
		  AND state IN ('CLOSED', 'CLOSED_INFERRED')
	`, key.SubjectID, string(key.Category), key.OriginID).Scan(&mark)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark: %w", err)
	}
	if !mark.Valid {
		return time.Time{}, false, nil
	}
	return fromMicros(mark.Int64), true, nil
}

// ListSessions returns sessions matching f, ordered by started_at, id.
//
// Identity, state and revision predicates run in SQL; the interval overlap
// test is applied with ir.SessionFilter.Match so every backend agrees on
// zero-length sessions.
func (s *Store) ListSessions(ctx context.Context, f ir.SessionFilter) ([]ir.Session, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.OriginID != "" {
		where = append(where, "origin_id = ?")
		args = append(args, f.OriginID)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.To.IsZero() {
		where = append(where, "started_at <= ?")
		args = append(args, toMicros(f.To))
	}
	if f.MinRevision > 0 {
		where = append(where, "revision >= ?")
		args = append(args, f.MinRevision)
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, toMicros(f.UpdatedSince))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	all, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, sess := range all {
		if f.Match(sess) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ListEvents returns events matching f, ordered by ts, ingest_seq.
func (s *Store) ListEvents(ctx context.Context, f ir.EventFilter) ([]ir.PresenceEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if !f.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, toMicros(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, toMicros(f.To))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, ingest_seq ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	// Return empty slice (not nil) for consistent API
	events := []ir.PresenceEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// Revision returns the revision of the most recent session write.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = 'revision'`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("revision: %w", err)
	}
	return rev, nil
}

func collectSessions(rows *sql.Rows) ([]ir.Session, error) {
	defer rows.Close()

	sessions := []ir.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
