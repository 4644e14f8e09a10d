package aggregate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/keylock"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/resolver"
)

var day = time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC) // a Monday

func at(hour, min int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute)
}

type fixture struct {
	store    *ledger.MemStore
	clock    *quartz.Mock
	engine   *engine.Engine
	resolver *resolver.Resolver
	agg      *Aggregator
	cache    *MemoryCache
	seq      int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := ledger.NewMemStore()
	clock := quartz.NewMock(t)
	clock.Set(at(0, 0)).MustWait(context.Background())
	locks := keylock.New()
	cache := NewMemoryCache()
	return &fixture{
		store: st,
		clock: clock,
		engine: engine.New(st,
			engine.WithClock(clock),
			engine.WithLocker(locks),
			engine.WithIDGenerator(engine.NewSequenceGenerator("s"))),
		resolver: resolver.New(st,
			resolver.WithClock(clock),
			resolver.WithLocker(locks),
			resolver.WithIDGenerator(engine.NewSequenceGenerator("m"))),
		agg:   New(st, WithCache(cache), WithClock(clock)),
		cache: cache,
	}
}

func (f *fixture) ingest(t *testing.T, src ir.Source, ts time.Time, origin string) engine.Outcome {
	t.Helper()
	f.seq++
	ev := ir.PresenceEvent{SubjectID: "alice", Source: src, Timestamp: ts, OriginID: origin, IngestSeq: f.seq}
	id, err := ir.PresenceEventID(ev)
	require.NoError(t, err)
	ev.ID = id
	out, err := f.engine.Process(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func dayKey(d int) ir.PeriodKey {
	return ir.PeriodFor(day.AddDate(0, 0, d), ir.GranularityDay, time.UTC)
}

func TestRecompute_FullDay(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(17, 0), "laptop")

	b, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, b.TotalDuration)
	assert.Equal(t, 1, b.SessionCount)
	assert.Zero(t, b.AnomalyCount)
	assert.Equal(t, "day:2026-10-12", b.PeriodKey)
}

func TestRecompute_ClipsAtPeriodBoundary(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(22, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(26, 0), "laptop")

	first, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	second, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(1))
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, first.TotalDuration)
	assert.Equal(t, 2*time.Hour, second.TotalDuration)
}

func TestRecompute_AnomaliesAndOpenSessions(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogout, at(8, 0), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")

	b, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	assert.Zero(t, b.TotalDuration, "orphans and open sessions add no time")
	assert.Zero(t, b.SessionCount)
	assert.Equal(t, 1, b.AnomalyCount)
	assert.Len(t, b.AnomalyIDs, 1)
}

func TestRecompute_SupersededCountsMergedDoesNot(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(10, 0), "phone")
	f.ingest(t, ir.SourceUserLogout, at(12, 0), "phone")

	f.ingest(t, ir.SourceMachineActive, at(13, 0), "laptop")
	f.ingest(t, ir.SourceMachineIdle, at(13, 10), "laptop")
	f.ingest(t, ir.SourceMachineActive, at(13, 11), "laptop")
	f.ingest(t, ir.SourceMachineIdle, at(13, 20), "laptop")

	f.clock.Set(at(14, 0)).MustWait(context.Background())
	_, err := f.resolver.RunOnce(context.Background())
	require.NoError(t, err)

	att, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, att.TotalDuration, "1h superseded laptop + 2h phone")

	util, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryUtilization, dayKey(0))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Minute, util.TotalDuration, "merge product spans the gap")
	assert.Equal(t, 1, util.SessionCount)
}

func TestUpdate_MatchesRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(10, 0), "laptop")

	b, err := f.agg.Recompute(ctx, "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)

	f.ingest(t, ir.SourceUserLogin, at(11, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(12, 30), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(13, 0), "desktop")
	f.ingest(t, ir.SourceUserLogin, at(14, 0), "desktop")
	f.ingest(t, ir.SourceUserLogout, at(15, 0), "desktop")

	updated, err := f.agg.Update(ctx, b)
	require.NoError(t, err)
	full, err := f.agg.Recompute(ctx, "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)

	assert.Equal(t, full.TotalDuration, updated.TotalDuration)
	assert.Equal(t, full.SessionCount, updated.SessionCount)
	assert.Equal(t, full.AnomalyCount, updated.AnomalyCount)
	assert.Equal(t, full.Contributions, updated.Contributions)
	assert.Equal(t, full.Revision, updated.Revision)
	assert.Equal(t, 3*time.Hour+30*time.Minute, updated.TotalDuration)
}

func TestUpdate_RecomputesWhenCountedSessionMerged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(10, 0), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(10, 1), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(11, 0), "laptop")

	b, err := f.agg.Recompute(ctx, "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	assert.Equal(t, 2, b.SessionCount)

	f.clock.Set(at(12, 0)).MustWait(context.Background())
	_, err = f.resolver.RunOnce(ctx)
	require.NoError(t, err)

	updated, err := f.agg.Update(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.SessionCount)
	assert.Equal(t, 2*time.Hour, updated.TotalDuration)
}

func TestUpdate_NoChangesReturnsSameBucket(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")

	b, err := f.agg.Recompute(context.Background(), "alice", ir.CategoryAttendance, dayKey(0))
	require.NoError(t, err)
	again, err := f.agg.Update(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestQuery_CachesCompleteBuckets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(17, 0), "laptop")

	r := ir.PeriodRange{From: day, To: day.AddDate(0, 0, 3), Granularity: ir.GranularityDay}
	buckets, err := f.agg.Query(ctx, "alice", ir.CategoryAttendance, r)
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.Equal(t, 8*time.Hour, buckets[0].TotalDuration)
	assert.Zero(t, buckets[1].TotalDuration)
	assert.Equal(t, 3, f.cache.Len())

	f.ingest(t, ir.SourceUserLogin, at(33, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(35, 0), "laptop")

	buckets, err = f.agg.Query(ctx, "alice", ir.CategoryAttendance, r)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, buckets[1].TotalDuration, "cached bucket brought up to date")

	cached, ok, err := f.cache.Get(ctx, buckets[1].CacheKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, buckets[1].Revision, cached.Revision)
}

func TestQuery_Weekly(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(17, 0), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(24+9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(24+12, 0), "laptop")

	r := ir.PeriodRange{From: day, To: day.AddDate(0, 0, 1), Granularity: ir.GranularityWeek}
	buckets, err := f.agg.Query(context.Background(), "alice", ir.CategoryAttendance, r)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, "week:2026-W42", buckets[0].PeriodKey)
	assert.Equal(t, 11*time.Hour, buckets[0].TotalDuration)
}

func TestQuery_CancelledWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := ir.PeriodRange{From: day, To: day.AddDate(0, 0, 7), Granularity: ir.GranularityDay}
	_, err := f.agg.Query(ctx, "alice", ir.CategoryAttendance, r)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.cache.Len())
}

func TestDailyLog(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, ir.SourceUserLogin, at(9, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(12, 0), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(13, 0), "laptop")
	f.ingest(t, ir.SourceUserLogout, at(17, 30), "laptop")
	f.ingest(t, ir.SourceUserLogin, at(22, 0), "desktop")
	f.ingest(t, ir.SourceUserLogout, at(25, 0), "desktop")

	entries, err := f.agg.DailyLog(context.Background(), "alice", day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, DailyEntry{
		SubjectID: "alice", Date: "2026-10-12", OriginID: "desktop",
		LoginTime: "22:00", LogoutTime: "23:59", ActiveHours: 2, Sessions: 1,
	}, entries[0])
	assert.Equal(t, DailyEntry{
		SubjectID: "alice", Date: "2026-10-12", OriginID: "laptop",
		LoginTime: "09:00", LogoutTime: "17:30", ActiveHours: 7.5, Sessions: 2,
	}, entries[1])
	assert.Equal(t, DailyEntry{
		SubjectID: "alice", Date: "2026-10-13", OriginID: "desktop",
		LoginTime: "00:00", LogoutTime: "01:00", ActiveHours: 1, Sessions: 1,
	}, entries[2])
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TIMELEDGER_TEST_REDIS")
	if addr == "" {
		t.Skip("TIMELEDGER_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, addr, "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	prefix := "timeledger:test:" + time.Now().Format("150405.000000") + ":"
	cache := NewRedisCache(rdb, prefix, time.Minute)

	b := ir.AggregateBucket{
		SubjectID:     "alice",
		Category:      ir.CategoryAttendance,
		PeriodKey:     "day:2026-10-12",
		TotalDuration: time.Hour,
		Revision:      7,
		Contributions: map[string]time.Duration{"s-1": time.Hour},
	}
	_, ok, err := cache.Get(ctx, b.CacheKey())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, b))
	got, ok, err := cache.Get(ctx, b.CacheKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.Contributions, got.Contributions)
	assert.Equal(t, int64(7), got.Revision)
}
