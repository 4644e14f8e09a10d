package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

var day = time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)

func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

var ingestSeq atomic.Int64

// event builds a normalized event the way the normalizer would.
func event(t *testing.T, subject string, src ir.Source, ts time.Time, origin string) ir.PresenceEvent {
	t.Helper()
	ev := ir.PresenceEvent{
		SubjectID:  subject,
		Source:     src,
		Timestamp:  ir.Instant(ts),
		OriginID:   origin,
		IngestedAt: ir.Instant(ts),
		IngestSeq:  ingestSeq.Add(1),
	}
	id, err := ir.PresenceEventID(ev)
	require.NoError(t, err)
	ev.ID = id
	return ev
}

type fixture struct {
	engine *Engine
	store  *ledger.MemStore
	clock  *quartz.Mock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := ledger.NewMemStore()
	clock := quartz.NewMock(t)
	clock.Set(at(8, 0)).MustWait(context.Background())
	all := append([]Option{
		WithClock(clock),
		WithIDGenerator(NewSequenceGenerator("s")),
	}, opts...)
	return &fixture{engine: New(st, all...), store: st, clock: clock}
}

func (f *fixture) process(t *testing.T, ev ir.PresenceEvent) Outcome {
	t.Helper()
	out, err := f.engine.Process(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func (f *fixture) sessions(t *testing.T, filter ir.SessionFilter) []ir.Session {
	t.Helper()
	got, err := f.store.ListSessions(context.Background(), filter)
	require.NoError(t, err)
	return got
}

func (f *fixture) session(t *testing.T, id string) ir.Session {
	t.Helper()
	for _, s := range f.sessions(t, ir.SessionFilter{}) {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("session %s not found", id)
	return ir.Session{}
}

// faultyStore fails Commit with a fixed error.
type faultyStore struct {
	ledger.Store
	err error
}

func (s faultyStore) Commit(context.Context, ledger.Batch) error { return s.err }
