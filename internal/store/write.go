package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

// Commit applies a batch in one transaction.
//
// The event insert uses ON CONFLICT(id) DO NOTHING; zero rows affected
// means the event was already recorded and the whole batch is rolled back
// with ledger.ErrDuplicateEvent. Puts are written before Appends so a
// session closed in the batch frees its key for the one that replaces it.
func (s *Store) Commit(ctx context.Context, b ledger.Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit: begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if b.Event != nil {
		if err = insertEvent(ctx, tx, *b.Event); err != nil {
			return err
		}
	}

	if err = ledger.CheckBatch(txView{ctx: ctx, tx: tx}, b); err != nil {
		return err
	}

	for _, sess := range b.Put {
		if err = writeSession(ctx, tx, sess, true); err != nil {
			return err
		}
	}
	for _, sess := range b.Append {
		if err = writeSession(ctx, tx, sess, false); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e ir.PresenceEvent) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events
		(id, subject_id, source, ts, origin_id, sequence_hint, ingested_at, ingest_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.SubjectID,
		string(e.Source),
		toMicros(e.Timestamp),
		e.OriginID,
		nullInt(e.SequenceHint),
		toMicros(e.IngestedAt),
		e.IngestSeq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert event: rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrDuplicateEvent
	}
	return nil
}

// nextRevision bumps the store-wide revision counter inside tx.
func nextRevision(ctx context.Context, tx *sql.Tx) (int64, error) {
	var rev int64
	err := tx.QueryRowContext(ctx,
		`UPDATE meta SET value = value + 1 WHERE name = 'revision' RETURNING value`,
	).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("next revision: %w", err)
	}
	return rev, nil
}

func writeSession(ctx context.Context, tx *sql.Tx, sess ir.Session, update bool) error {
	rev, err := nextRevision(ctx, tx)
	if err != nil {
		return err
	}

	args := []any{
		sess.SubjectID,
		string(sess.Category),
		sess.OriginID,
		toMicros(sess.StartedAt),
		nullMicros(sess.EndedAt),
		toMicros(sess.LastActivityAt),
		string(sess.State),
		string(sess.CloseReason),
		string(sess.Anomaly),
		sess.EventID,
		sess.MergedInto,
		rev,
		toMicros(sess.UpdatedAt),
		sess.ID,
	}

	var query string
	if update {
		query = `
			UPDATE sessions SET
				subject_id = ?, category = ?, origin_id = ?, started_at = ?, ended_at = ?,
				last_activity_at = ?, state = ?, close_reason = ?, anomaly = ?,
				event_id = ?, merged_into = ?, revision = ?, updated_at = ?
			WHERE id = ?
		`
	} else {
		query = `
			INSERT INTO sessions
			(subject_id, category, origin_id, started_at, ended_at, last_activity_at,
			 state, close_reason, anomaly, event_id, merged_into, revision, updated_at, id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return mapConstraint(fmt.Errorf("write session %s: %w", sess.ID, err))
	}
	return nil
}

// mapConstraint translates SQLite constraint failures into ledger
// rejections. CheckBatch catches these first; the constraints are the
// backstop.
func mapConstraint(err error) error {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return err
	}
	switch sqErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", ledger.ErrOpenConflict, err)
	case sqlite3.ErrConstraintPrimaryKey:
		return fmt.Errorf("%w: %v", ledger.ErrExists, err)
	case sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %v", ledger.ErrInvalidInterval, err)
	}
	return err
}

// txView reads pre-batch state through the open transaction.
type txView struct {
	ctx context.Context
	tx  *sql.Tx
}

func (v txView) Get(id string) (ir.Session, bool, error) {
	row := v.tx.QueryRowContext(v.ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return oneSession(row)
}

func (v txView) OpenFor(key ir.SessionKey) (ir.Session, bool, error) {
	row := v.tx.QueryRowContext(v.ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subject_id = ? AND category = ? AND origin_id = ? AND state = 'OPEN'
	`, key.SubjectID, string(key.Category), key.OriginID)
	return oneSession(row)
}

func oneSession(row *sql.Row) (ir.Session, bool, error) {
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Session{}, false, nil
	}
	if err != nil {
		return ir.Session{}, false, fmt.Errorf("read session: %w", err)
	}
	return sess, true, nil
}
