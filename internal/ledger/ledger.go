// Package ledger defines the session state store contract and an
// in-memory implementation.
//
// The store is the only holder of mutable shared state. Every engine or
// resolver decision reaches it as one Batch that is applied atomically:
// either the event, all updates and all new sessions are committed, or
// nothing is. Backends enforce the session invariants themselves so a
// faulty caller cannot corrupt the ledger:
//
//   - at most one OPEN session per (subject, category, origin) key
//   - EndedAt >= StartedAt whenever both are set
//   - closed sessions never reopen and never change their interval
//
// Every written session receives the next value of a store-wide revision
// counter; readers use it as a monotonic watermark.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

var (
	// ErrOpenConflict rejects a batch that would leave two OPEN sessions
	// for one key.
	ErrOpenConflict = errors.New("ledger: another open session exists for key")

	// ErrImmutable rejects a change to the interval or state of a closed
	// session.
	ErrImmutable = errors.New("ledger: closed session is immutable")

	// ErrInvalidInterval rejects a session that ends before it starts.
	ErrInvalidInterval = errors.New("ledger: session ends before it starts")

	// ErrNotFound rejects a Put for a session that does not exist.
	ErrNotFound = errors.New("ledger: session not found")

	// ErrExists rejects an Append for a session id already in use.
	ErrExists = errors.New("ledger: session already exists")

	// ErrDuplicateEvent rejects a batch whose event is already recorded.
	ErrDuplicateEvent = errors.New("ledger: event already recorded")
)

// IsInvariantViolation reports whether err is one of the rejections a
// backend raises to protect session invariants (as opposed to an I/O error).
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrOpenConflict) ||
		errors.Is(err, ErrImmutable) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExists)
}

// Batch is the atomic unit of one reconciliation decision.
type Batch struct {
	// Event is appended to the event log when non-nil.
	Event *ir.PresenceEvent

	// Put replaces existing sessions.
	Put []ir.Session

	// Append adds new sessions.
	Append []ir.Session
}

// Empty reports whether the batch carries nothing to write.
func (b Batch) Empty() bool {
	return b.Event == nil && len(b.Put) == 0 && len(b.Append) == 0
}

// Store is the session state store.
type Store interface {
	// HasEvent reports whether an event id is already in the log.
	HasEvent(ctx context.Context, id string) (bool, error)

	// OpenSession returns the OPEN session for key, if any.
	OpenSession(ctx context.Context, key ir.SessionKey) (ir.Session, bool, error)

	// OpenSessionsFor returns every OPEN session of a subject and category,
	// across origins, ordered by key.
	OpenSessionsFor(ctx context.Context, subjectID string, category ir.Category) ([]ir.Session, error)

	// Watermark returns the latest EndedAt among closed sessions for key.
	// Merge originals count: merging never moves the watermark back.
	Watermark(ctx context.Context, key ir.SessionKey) (time.Time, bool, error)

	// Commit applies the batch atomically.
	Commit(ctx context.Context, b Batch) error

	// ListSessions returns matching sessions ordered by StartedAt, then ID.
	ListSessions(ctx context.Context, f ir.SessionFilter) ([]ir.Session, error)

	// ListEvents returns matching events ordered by Timestamp, then IngestSeq.
	ListEvents(ctx context.Context, f ir.EventFilter) ([]ir.PresenceEvent, error)

	// Revision returns the revision of the most recent write.
	Revision(ctx context.Context) (int64, error)

	// Close releases backend resources.
	Close() error
}

// View exposes the pre-batch state a backend reads while validating.
type View interface {
	Get(id string) (ir.Session, bool, error)
	OpenFor(key ir.SessionKey) (ir.Session, bool, error)
}

// CheckBatch validates b against the state in v. Backends call it inside
// their transaction, before writing anything.
func CheckBatch(v View, b Batch) error {
	closing := make(map[string]bool)
	opening := make(map[ir.SessionKey]string)

	checkInterval := func(s ir.Session) error {
		if s.EndedAt != nil && s.EndedAt.Before(s.StartedAt) {
			return ErrInvalidInterval
		}
		return nil
	}

	for _, s := range b.Put {
		if err := checkInterval(s); err != nil {
			return err
		}
		prev, ok, err := v.Get(s.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if prev.State != ir.StateOpen {
			if s.State == ir.StateOpen || !sameInterval(prev, s) {
				return ErrImmutable
			}
		}
		if prev.State == ir.StateOpen && s.State != ir.StateOpen {
			closing[s.ID] = true
		}
		if s.State == ir.StateOpen {
			if other, dup := opening[s.Key()]; dup && other != s.ID {
				return ErrOpenConflict
			}
			opening[s.Key()] = s.ID
		}
	}

	for _, s := range b.Append {
		if err := checkInterval(s); err != nil {
			return err
		}
		if _, ok, err := v.Get(s.ID); err != nil {
			return err
		} else if ok {
			return ErrExists
		}
		if s.State == ir.StateOpen {
			if _, dup := opening[s.Key()]; dup {
				return ErrOpenConflict
			}
			opening[s.Key()] = s.ID
		}
	}

	for key, id := range opening {
		current, ok, err := v.OpenFor(key)
		if err != nil {
			return err
		}
		if ok && current.ID != id && !closing[current.ID] {
			return ErrOpenConflict
		}
	}
	return nil
}

func sameInterval(a, b ir.Session) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return false
	}
	if (a.EndedAt == nil) != (b.EndedAt == nil) {
		return false
	}
	return a.EndedAt == nil || a.EndedAt.Equal(*b.EndedAt)
}
