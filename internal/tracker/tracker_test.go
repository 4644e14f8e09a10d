package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/normalize"
)

var day = time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)

func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

func raw(src string, ts time.Time, origin string) normalize.RawEvent {
	return normalize.RawEvent{SubjectID: "alice", Source: src, Timestamp: ts, OriginID: origin}
}

func newTracker(t *testing.T, mutate func(*Settings)) (*Tracker, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(at(23, 0)).MustWait(context.Background())
	s := DefaultSettings()
	s.SkewWindow = 0
	if mutate != nil {
		mutate(&s)
	}
	tr := New(ledger.NewMemStore(), s,
		WithClock(clock),
		WithIDGenerator(engine.NewSequenceGenerator("s")),
	)
	return tr, clock
}

func TestIngest_ScenarioA(t *testing.T) {
	tr, _ := newTracker(t, nil)
	ctx := context.Background()

	res, err := tr.Ingest(ctx, raw("USER_LOGIN", at(9, 0), "laptop"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "s-1", res.SessionID)
	assert.NotEmpty(t, res.EventID)

	_, err = tr.Ingest(ctx, raw("USER_LOGOUT", at(17, 0), "laptop"))
	require.NoError(t, err)

	sessions, err := tr.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ir.StateClosed, sessions[0].State)
	assert.Equal(t, 8*time.Hour, sessions[0].Duration())
}

func TestIngest_ValidationError(t *testing.T) {
	tr, _ := newTracker(t, nil)

	_, err := tr.Ingest(context.Background(), raw("USER_SLEEP", at(9, 0), "laptop"))
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))

	sessions, err := tr.ListSessions(context.Background(), ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestIngest_AnomalyAndDuplicate(t *testing.T) {
	tr, _ := newTracker(t, nil)
	ctx := context.Background()

	res, err := tr.Ingest(ctx, raw("USER_LOGOUT", at(9, 0), "laptop"))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, ir.AnomalyOrphanClose, res.Anomaly)

	res, err = tr.Ingest(ctx, raw("USER_LOGOUT", at(9, 0), "laptop"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestIngestBatch_SortsAndReportsPerEvent(t *testing.T) {
	tr, _ := newTracker(t, nil)
	ctx := context.Background()

	results, err := tr.IngestBatch(ctx, []normalize.RawEvent{
		raw("USER_LOGOUT", at(17, 0), "laptop"),
		{SubjectID: "", Source: "USER_LOGIN", Timestamp: at(8, 0)},
		raw("USER_LOGIN", at(9, 0), "laptop"),
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Accepted)
	assert.Empty(t, results[0].Anomaly, "logout applied after the earlier login")
	assert.Equal(t, string(engine.TransitionClose), results[0].Transition)

	assert.False(t, results[1].Accepted)
	assert.True(t, ir.IsValidation(results[1].Err))

	assert.Equal(t, string(engine.TransitionOpen), results[2].Transition)
	assert.Equal(t, results[2].SessionID, results[0].SessionID)
}

func TestQuery_ResolvesBeforeQuery(t *testing.T) {
	tr, _ := newTracker(t, nil)
	ctx := context.Background()

	_, err := tr.Ingest(ctx, raw("USER_LOGIN", at(9, 0), "laptop"))
	require.NoError(t, err)

	// The clock reads 23:00, 14h after the last activity.
	buckets, err := tr.Query(ctx, "alice", ir.CategoryAttendance, ir.PeriodRange{
		From: at(0, 0), To: at(23, 59), Granularity: ir.GranularityDay,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].SessionCount, "inferred close is counted")

	sessions, err := tr.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ir.StateClosedInferred, sessions[0].State)
}

func TestQuery_WithoutResolve(t *testing.T) {
	tr, _ := newTracker(t, func(s *Settings) { s.ResolveBeforeQuery = false })
	ctx := context.Background()

	_, err := tr.Ingest(ctx, raw("USER_LOGIN", at(9, 0), "laptop"))
	require.NoError(t, err)

	buckets, err := tr.Query(ctx, "alice", ir.CategoryAttendance, ir.PeriodRange{
		From: at(0, 0), To: at(23, 59), Granularity: ir.GranularityDay,
	})
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Zero(t, buckets[0].SessionCount)

	sessions, err := tr.ListSessions(ctx, ir.SessionFilter{SubjectID: "alice"})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].IsOpen())
}

func TestDailyLog(t *testing.T) {
	tr, _ := newTracker(t, nil)
	ctx := context.Background()

	_, err := tr.IngestBatch(ctx, []normalize.RawEvent{
		raw("USER_LOGIN", at(9, 0), "laptop"),
		raw("USER_LOGOUT", at(12, 30), "laptop"),
	})
	require.NoError(t, err)

	rows, err := tr.DailyLog(ctx, "alice", day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "09:00", rows[0].LoginTime)
	assert.Equal(t, "12:30", rows[0].LogoutTime)
	assert.InDelta(t, 3.5, rows[0].ActiveHours, 0.001)
}
