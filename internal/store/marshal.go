package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// toMicros encodes an instant as UTC Unix microseconds.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros decodes UTC Unix microseconds.
func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const sessionColumns = `id, subject_id, category, origin_id, started_at, ended_at,
	last_activity_at, state, close_reason, anomaly, event_id, merged_into,
	revision, updated_at`

func scanSession(r rowScanner) (ir.Session, error) {
	var (
		s                              ir.Session
		category, state, reason, kind  string
		started, lastActivity, updated int64
		ended                          sql.NullInt64
	)
	err := r.Scan(&s.ID, &s.SubjectID, &category, &s.OriginID, &started, &ended,
		&lastActivity, &state, &reason, &kind, &s.EventID, &s.MergedInto,
		&s.Revision, &updated)
	if err != nil {
		return ir.Session{}, err
	}
	s.Category = ir.Category(category)
	s.State = ir.SessionState(state)
	s.CloseReason = ir.CloseReason(reason)
	s.Anomaly = ir.AnomalyKind(kind)
	s.StartedAt = fromMicros(started)
	s.LastActivityAt = fromMicros(lastActivity)
	s.UpdatedAt = fromMicros(updated)
	if ended.Valid {
		t := fromMicros(ended.Int64)
		s.EndedAt = &t
	}
	return s, nil
}

const eventColumns = `id, subject_id, source, ts, origin_id, sequence_hint, ingested_at, ingest_seq`

func scanEvent(r rowScanner) (ir.PresenceEvent, error) {
	var (
		e            ir.PresenceEvent
		source       string
		ts, ingested int64
		hint         sql.NullInt64
	)
	if err := r.Scan(&e.ID, &e.SubjectID, &source, &ts, &e.OriginID, &hint, &ingested, &e.IngestSeq); err != nil {
		return ir.PresenceEvent{}, err
	}
	e.Source = ir.Source(source)
	e.Timestamp = fromMicros(ts)
	e.IngestedAt = fromMicros(ingested)
	if hint.Valid {
		h := hint.Int64
		e.SequenceHint = &h
	}
	return e, nil
}

// marshalBucket serializes a cached bucket. Cache payloads are opaque to
// SQL, so plain JSON is enough.
func marshalBucket(b ir.AggregateBucket) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bucket: %w", err)
	}
	return string(data), nil
}

func unmarshalBucket(payload string) (ir.AggregateBucket, error) {
	var b ir.AggregateBucket
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		return ir.AggregateBucket{}, fmt.Errorf("unmarshal bucket: %w", err)
	}
	return b, nil
}
