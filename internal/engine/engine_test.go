package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

func TestEngine_LoginLogoutClosesExplicitly(t *testing.T) {
	f := newFixture(t)

	opened := f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	assert.Equal(t, TransitionOpen, opened.Transition)

	closed := f.process(t, event(t, "alice", ir.SourceUserLogout, at(17, 0), "laptop"))
	assert.Equal(t, TransitionClose, closed.Transition)
	assert.Equal(t, opened.SessionID, closed.SessionID)

	sessions := f.sessions(t, ir.SessionFilter{})
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, ir.StateClosed, s.State)
	assert.Equal(t, ir.CloseExplicitLogout, s.CloseReason)
	assert.Equal(t, 8*time.Hour, s.Duration())
}

func TestEngine_MissingLogoutInferredOnNextLogin(t *testing.T) {
	tests := []struct {
		name    string
		grace   time.Duration
		wantEnd time.Time
	}{
		{"default policy ends at the idle threshold", 0, at(21, 0)},
		{"grace extends past the threshold", 2 * time.Hour, at(23, 0)},
		{"never past the next login", 12 * time.Hour, at(33, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			p.Grace = tt.grace
			f := newFixture(t, WithPolicy(p))

			first := f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
			next := f.process(t, event(t, "alice", ir.SourceUserLogin, at(33, 5), "laptop"))

			assert.Equal(t, TransitionOpen, next.Transition)
			assert.Equal(t, []string{first.SessionID}, next.Closed)

			old := f.session(t, first.SessionID)
			assert.Equal(t, ir.StateClosedInferred, old.State)
			assert.Equal(t, ir.CloseTimeoutInferred, old.CloseReason)
			require.NotNil(t, old.EndedAt)
			assert.True(t, old.EndedAt.Equal(tt.wantEnd), "ended at %s", old.EndedAt)

			fresh := f.session(t, next.SessionID)
			assert.Equal(t, ir.StateOpen, fresh.State)
			assert.True(t, fresh.StartedAt.Equal(at(33, 5)))
		})
	}
}

func TestEngine_OrphanLogoutIsAnomaly(t *testing.T) {
	f := newFixture(t)

	out := f.process(t, event(t, "alice", ir.SourceUserLogout, at(17, 0), "laptop"))
	assert.Equal(t, TransitionOrphan, out.Transition)
	assert.Equal(t, ir.AnomalyOrphanClose, out.Anomaly)

	rec := f.session(t, out.SessionID)
	assert.Equal(t, ir.StateAnomalous, rec.State)
	assert.Equal(t, ir.AnomalyOrphanClose, rec.Anomaly)
	assert.Zero(t, rec.Duration())
	assert.False(t, rec.Countable())
}

func TestEngine_DuplicateEventIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 0), "laptop"))
	beat := event(t, "alice", ir.SourceMachineActive, at(10, 5), "laptop")
	f.process(t, beat)

	rev, err := f.store.Revision(ctx)
	require.NoError(t, err)

	again := f.process(t, beat)
	assert.True(t, again.Duplicate)
	assert.Equal(t, TransitionDuplicate, again.Transition)

	after, err := f.store.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, rev, after)
	assert.Len(t, f.sessions(t, ir.SessionFilter{}), 1)
}

func TestEngine_HeartbeatExtendsLastActivity(t *testing.T) {
	f := newFixture(t)

	first := f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 10), "laptop"))
	out := f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 5), "laptop"))
	assert.Equal(t, TransitionExtend, out.Transition)

	s := f.session(t, first.SessionID)
	assert.True(t, s.LastActivityAt.Equal(at(10, 10)), "an older heartbeat must not move activity back")
	assert.True(t, s.IsOpen())
}

func TestEngine_IdleUtilizationClosedOnNextActivity(t *testing.T) {
	f := newFixture(t)

	first := f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceMachineActive, at(10, 20), "laptop"))
	next := f.process(t, event(t, "alice", ir.SourceMachineActive, at(11, 0), "laptop"))

	assert.Equal(t, TransitionOpen, next.Transition)
	old := f.session(t, first.SessionID)
	assert.Equal(t, ir.StateClosedInferred, old.State)
	assert.True(t, old.EndedAt.Equal(at(10, 50)), "last activity plus the 30m threshold")
}

func TestEngine_LateEventRecordedAsAnomaly(t *testing.T) {
	f := newFixture(t)

	f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceUserLogout, at(17, 0), "laptop"))

	late := f.process(t, event(t, "alice", ir.SourceUserLogin, at(12, 0), "laptop"))
	assert.Equal(t, TransitionLate, late.Transition)
	assert.Equal(t, ir.AnomalyLateEvent, late.Anomaly)

	open := f.sessions(t, ir.SessionFilter{States: []ir.SessionState{ir.StateOpen}})
	assert.Empty(t, open, "a late event must not open a session")
}

func TestEngine_EventBeforeOpenSessionStart(t *testing.T) {
	f := newFixture(t)

	opened := f.process(t, event(t, "alice", ir.SourceUserLogin, at(10, 0), "laptop"))
	out := f.process(t, event(t, "alice", ir.SourceUserLogout, at(9, 30), "laptop"))

	assert.Equal(t, TransitionBeforeStart, out.Transition)
	assert.Equal(t, ir.AnomalyBeforeStart, out.Anomaly)
	assert.True(t, f.session(t, opened.SessionID).IsOpen())
}

func TestEngine_LoginSupersedesOtherOrigins(t *testing.T) {
	f := newFixture(t)

	laptop := f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	phone := f.process(t, event(t, "alice", ir.SourceUserLogin, at(10, 0), "phone"))

	assert.Equal(t, []string{laptop.SessionID}, phone.Closed)

	old := f.session(t, laptop.SessionID)
	assert.Equal(t, ir.StateClosed, old.State)
	assert.Equal(t, ir.CloseSuperseded, old.CloseReason)
	assert.True(t, old.EndedAt.Equal(at(10, 0)))
	assert.True(t, old.Countable(), "superseded sessions still count")

	assert.True(t, f.session(t, phone.SessionID).IsOpen())
}

func TestEngine_LoginDoesNotSupersedeLaterSession(t *testing.T) {
	f := newFixture(t)

	laptop := f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	phone := f.process(t, event(t, "alice", ir.SourceUserLogin, at(8, 0), "phone"))

	assert.Empty(t, phone.Closed)
	assert.True(t, f.session(t, laptop.SessionID).IsOpen())
}

func TestEngine_MachineEventsDoNotSupersede(t *testing.T) {
	f := newFixture(t)

	a := f.process(t, event(t, "alice", ir.SourceMachineActive, at(9, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceMachineActive, at(9, 5), "desktop"))

	assert.True(t, f.session(t, a.SessionID).IsOpen())
}

func TestEngine_CategoriesAreIndependent(t *testing.T) {
	f := newFixture(t)

	login := f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceMachineIdle, at(9, 30), "laptop"))

	assert.True(t, f.session(t, login.SessionID).IsOpen())
}

func TestEngine_StoreRejectionIsConsistencyViolation(t *testing.T) {
	st := faultyStore{Store: ledger.NewMemStore(), err: fmt.Errorf("wrapped: %w", ledger.ErrOpenConflict)}
	e := New(st, WithIDGenerator(NewSequenceGenerator("s")))

	_, err := e.Process(context.Background(), event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	require.Error(t, err)
	assert.True(t, ir.IsConsistency(err))
	assert.ErrorIs(t, err, ledger.ErrOpenConflict)
}

func TestEngine_StoreFailureIsUnavailable(t *testing.T) {
	inner := ledger.NewMemStore()
	st := faultyStore{Store: inner, err: errors.New("disk full")}
	e := New(st, WithIDGenerator(NewSequenceGenerator("s")))

	_, err := e.Process(context.Background(), event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	require.Error(t, err)
	assert.True(t, ir.IsStoreUnavailable(err))

	got, err := inner.ListSessions(context.Background(), ir.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestEngine_CancelledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Process(ctx, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) EventProcessed(_ ir.Category, o Outcome, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func TestEngine_ObserverSeesEveryEvent(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, WithObserver(obs))

	f.process(t, event(t, "alice", ir.SourceUserLogin, at(9, 0), "laptop"))
	f.process(t, event(t, "alice", ir.SourceUserLogout, at(10, 0), "laptop"))

	require.Len(t, obs.outcomes, 2)
	assert.Equal(t, TransitionOpen, obs.outcomes[0].Transition)
	assert.Equal(t, TransitionClose, obs.outcomes[1].Transition)
}

// TestEngine_ConcurrentKeysNeverOverlap drives many goroutines across a few
// keys, including cross-origin logins, and checks the ledger afterwards.
func TestEngine_ConcurrentKeysNeverOverlap(t *testing.T) {
	f := newFixture(t, WithIDGenerator(UUIDv7Generator{}))
	ctx := context.Background()

	origins := []string{"laptop", "phone", "desktop", "tablet"}
	sources := []ir.Source{ir.SourceUserLogin, ir.SourceMachineActive, ir.SourceMachineIdle, ir.SourceUserLogout}

	var wg sync.WaitGroup
	for i, origin := range origins {
		wg.Add(1)
		go func(i int, origin string) {
			defer wg.Done()
			for n := 0; n < 60; n++ {
				src := sources[(n+i)%len(sources)]
				ev := event(t, "alice", src, at(9, n), origin)
				_, err := f.engine.Process(ctx, ev)
				assert.NoError(t, err)
			}
		}(i, origin)
	}
	wg.Wait()

	all := f.sessions(t, ir.SessionFilter{})
	byKey := make(map[ir.SessionKey][]ir.Session)
	for _, s := range all {
		if s.State == ir.StateAnomalous {
			continue
		}
		byKey[s.Key()] = append(byKey[s.Key()], s)
	}
	for key, sessions := range byKey {
		open := 0
		for i, s := range sessions {
			if s.IsOpen() {
				open++
			}
			if s.EndedAt != nil {
				assert.False(t, s.EndedAt.Before(s.StartedAt), "key %s session %s", key, s.ID)
			}
			if i > 0 && sessions[i-1].EndedAt != nil {
				assert.False(t, s.StartedAt.Before(*sessions[i-1].EndedAt),
					"key %s: %s overlaps %s", key, s.ID, sessions[i-1].ID)
			}
		}
		assert.LessOrEqual(t, open, 1, "key %s", key)
	}
}
