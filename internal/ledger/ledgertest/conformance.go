// Package ledgertest holds the behavioural suite every ledger.Store backend
// must pass.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

// Base is the reference instant used by the suite.
var Base = time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)

// Key is the session key most cases use.
var Key = ir.SessionKey{SubjectID: "alice", Category: ir.CategoryAttendance, OriginID: "laptop"}

// OpenSession builds an OPEN session for key starting at start.
func OpenSession(id string, key ir.SessionKey, start time.Time) ir.Session {
	return ir.Session{
		ID:             id,
		SubjectID:      key.SubjectID,
		Category:       key.Category,
		OriginID:       key.OriginID,
		StartedAt:      start,
		LastActivityAt: start,
		State:          ir.StateOpen,
		UpdatedAt:      start,
	}
}

// Closed returns s closed at end with reason.
func Closed(s ir.Session, end time.Time, reason ir.CloseReason) ir.Session {
	s = s.Clone()
	s.EndedAt = &end
	s.State = ir.StateClosed
	if reason == ir.CloseTimeoutInferred {
		s.State = ir.StateClosedInferred
	}
	s.CloseReason = reason
	s.UpdatedAt = end
	return s
}

// Event builds a normalized event with a stable id.
func Event(subject string, src ir.Source, ts time.Time, origin string) ir.PresenceEvent {
	e := ir.PresenceEvent{SubjectID: subject, Source: src, Timestamp: ts, OriginID: origin, IngestedAt: ts}
	id, err := ir.PresenceEventID(e)
	if err != nil {
		panic(err)
	}
	e.ID = id
	return e
}

// Run executes the suite against stores produced by newStore. Each subtest
// gets a fresh, empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("AppendAndReadOpen", func(t *testing.T) {
		s := newStore(t)
		ev := Event("alice", ir.SourceUserLogin, Base, "laptop")
		open := OpenSession("s-1", Key, Base)
		open.EventID = ev.ID

		require.NoError(t, s.Commit(ctx, ledger.Batch{Event: &ev, Append: []ir.Session{open}}))

		got, ok, err := s.OpenSession(ctx, Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "s-1", got.ID)
		assert.True(t, got.StartedAt.Equal(Base))
		assert.Equal(t, ev.ID, got.EventID)
		assert.Positive(t, got.Revision)

		has, err := s.HasEvent(ctx, ev.ID)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("DuplicateEventRejectsWholeBatch", func(t *testing.T) {
		s := newStore(t)
		ev := Event("alice", ir.SourceUserLogin, Base, "laptop")
		require.NoError(t, s.Commit(ctx, ledger.Batch{Event: &ev, Append: []ir.Session{OpenSession("s-1", Key, Base)}}))

		other := ir.SessionKey{SubjectID: "alice", Category: ir.CategoryAttendance, OriginID: "desk"}
		err := s.Commit(ctx, ledger.Batch{Event: &ev, Append: []ir.Session{OpenSession("s-2", other, Base)}})
		require.ErrorIs(t, err, ledger.ErrDuplicateEvent)

		_, ok, err := s.OpenSession(ctx, other)
		require.NoError(t, err)
		assert.False(t, ok, "nothing from a rejected batch is committed")
	})

	t.Run("SecondOpenSessionConflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{OpenSession("s-1", Key, Base)}}))

		err := s.Commit(ctx, ledger.Batch{Append: []ir.Session{OpenSession("s-2", Key, Base.Add(time.Minute))}})
		require.ErrorIs(t, err, ledger.ErrOpenConflict)

		got, ok, err := s.OpenSession(ctx, Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "s-1", got.ID, "existing state wins")
	})

	t.Run("CloseAndOpenInOneBatch", func(t *testing.T) {
		s := newStore(t)
		first := OpenSession("s-1", Key, Base)
		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{first}}))

		closed := Closed(first, Base.Add(time.Hour), ir.CloseTimeoutInferred)
		next := OpenSession("s-2", Key, Base.Add(2*time.Hour))
		require.NoError(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{closed}, Append: []ir.Session{next}}))

		got, ok, err := s.OpenSession(ctx, Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "s-2", got.ID)

		mark, ok, err := s.Watermark(ctx, Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mark.Equal(Base.Add(time.Hour)))
	})

	t.Run("ClosedSessionsAreImmutable", func(t *testing.T) {
		s := newStore(t)
		first := OpenSession("s-1", Key, Base)
		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{first}}))
		closed := Closed(first, Base.Add(time.Hour), ir.CloseExplicitLogout)
		require.NoError(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{closed}}))

		moved := closed.Clone()
		later := Base.Add(2 * time.Hour)
		moved.EndedAt = &later
		require.ErrorIs(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{moved}}), ledger.ErrImmutable)

		reopened := closed.Clone()
		reopened.State = ir.StateOpen
		reopened.EndedAt = nil
		require.ErrorIs(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{reopened}}), ledger.ErrImmutable)

		superseded := closed.Clone()
		superseded.CloseReason = ir.CloseSuperseded
		superseded.MergedInto = "m-1"
		require.NoError(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{superseded}}),
			"marking a closed session superseded keeps its interval")

		mark, ok, err := s.Watermark(ctx, Key)
		require.NoError(t, err)
		require.True(t, ok, "merge originals still hold the watermark")
		assert.True(t, mark.Equal(Base.Add(time.Hour)))
	})

	t.Run("InvalidIntervalRejected", func(t *testing.T) {
		s := newStore(t)
		bad := Closed(OpenSession("s-1", Key, Base), Base.Add(-time.Minute), ir.CloseExplicitLogout)
		require.ErrorIs(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{bad}}), ledger.ErrInvalidInterval)
	})

	t.Run("PutUnknownAndAppendExisting", func(t *testing.T) {
		s := newStore(t)
		require.ErrorIs(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{OpenSession("nope", Key, Base)}}), ledger.ErrNotFound)

		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{OpenSession("s-1", Key, Base)}}))
		dup := Closed(OpenSession("s-1", Key, Base), Base.Add(time.Minute), ir.CloseExplicitLogout)
		require.ErrorIs(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{dup}}), ledger.ErrExists)
	})

	t.Run("RevisionsIncrease", func(t *testing.T) {
		s := newStore(t)
		rev0, err := s.Revision(ctx)
		require.NoError(t, err)

		first := OpenSession("s-1", Key, Base)
		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{first}}))
		require.NoError(t, s.Commit(ctx, ledger.Batch{Put: []ir.Session{Closed(first, Base.Add(time.Hour), ir.CloseExplicitLogout)}}))

		rev2, err := s.Revision(ctx)
		require.NoError(t, err)
		assert.Equal(t, rev0+2, rev2)

		changed, err := s.ListSessions(ctx, ir.SessionFilter{MinRevision: rev2})
		require.NoError(t, err)
		require.Len(t, changed, 1)
		assert.Equal(t, ir.StateClosed, changed[0].State)
		assert.Equal(t, rev2, changed[0].Revision)
	})

	t.Run("ListSessionsFiltersAndOrders", func(t *testing.T) {
		s := newStore(t)
		desk := ir.SessionKey{SubjectID: "alice", Category: ir.CategoryAttendance, OriginID: "desk"}
		machine := ir.SessionKey{SubjectID: "alice", Category: ir.CategoryUtilization, OriginID: "ws"}

		a := Closed(OpenSession("b-late", Key, Base.Add(time.Hour)), Base.Add(2*time.Hour), ir.CloseExplicitLogout)
		b := Closed(OpenSession("a-early", desk, Base), Base.Add(30*time.Minute), ir.CloseExplicitLogout)
		c := OpenSession("c-machine", machine, Base)
		anomaly := ir.Session{
			ID: "d-anomaly", SubjectID: "alice", Category: ir.CategoryAttendance, OriginID: "laptop",
			StartedAt: Base.Add(3 * time.Hour), EndedAt: ptr(Base.Add(3 * time.Hour)),
			LastActivityAt: Base.Add(3 * time.Hour), State: ir.StateAnomalous, Anomaly: ir.AnomalyOrphanClose,
		}
		require.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{a, b, c, anomaly}}))

		all, err := s.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice"})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "a-early", all[0].ID)
		assert.Equal(t, "c-machine", all[1].ID, "ties on StartedAt break by id")

		att, err := s.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice", Category: ir.CategoryAttendance, States: []ir.SessionState{ir.StateClosed}})
		require.NoError(t, err)
		require.Len(t, att, 2)

		window, err := s.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice", Category: ir.CategoryAttendance, From: Base.Add(45 * time.Minute), To: Base.Add(90 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, window, 1)
		assert.Equal(t, "b-late", window[0].ID)

		anomalies, err := s.ListSessions(ctx, ir.SessionFilter{States: []ir.SessionState{ir.StateAnomalous}})
		require.NoError(t, err)
		require.Len(t, anomalies, 1)
		assert.Equal(t, ir.AnomalyOrphanClose, anomalies[0].Anomaly)

		open, err := s.OpenSessionsFor(ctx, "alice", ir.CategoryUtilization)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "c-machine", open[0].ID)
	})

	t.Run("ListEventsOrdered", func(t *testing.T) {
		s := newStore(t)
		later := Event("alice", ir.SourceUserLogout, Base.Add(time.Hour), "laptop")
		earlier := Event("alice", ir.SourceUserLogin, Base, "laptop")
		other := Event("bob", ir.SourceUserLogin, Base, "laptop")
		for _, ev := range []ir.PresenceEvent{later, earlier, other} {
			ev := ev
			require.NoError(t, s.Commit(ctx, ledger.Batch{Event: &ev}))
		}

		events, err := s.ListEvents(ctx, ir.EventFilter{SubjectID: "alice"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, earlier.ID, events[0].ID)
		assert.Equal(t, later.ID, events[1].ID)
		assert.True(t, events[0].Timestamp.Equal(Base))

		limited, err := s.ListEvents(ctx, ir.EventFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("ConcurrentCommitsOnDistinctKeys", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := ir.SessionKey{SubjectID: fmt.Sprintf("user-%d", i), Category: ir.CategoryAttendance, OriginID: "o"}
				assert.NoError(t, s.Commit(ctx, ledger.Batch{Append: []ir.Session{OpenSession(fmt.Sprintf("s-%d", i), key, Base)}}))
			}(i)
		}
		wg.Wait()

		open, err := s.ListSessions(ctx, ir.SessionFilter{States: []ir.SessionState{ir.StateOpen}})
		require.NoError(t, err)
		assert.Len(t, open, 20)
		rev, err := s.Revision(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(20), rev)
	})
}

func ptr(t time.Time) *time.Time { return &t }
