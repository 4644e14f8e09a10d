package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

// Aggregator computes buckets from the ledger. It never writes sessions.
type Aggregator struct {
	store  ledger.Store
	cache  Cache
	loc    *time.Location
	clock  quartz.Clock
	logger *slog.Logger
	flight singleflight.Group
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithCache sets the bucket cache (default: a MemoryCache).
func WithCache(c Cache) Option { return func(a *Aggregator) { a.cache = c } }

// WithLocation sets the zone period boundaries are computed in.
func WithLocation(loc *time.Location) Option { return func(a *Aggregator) { a.loc = loc } }

// WithClock sets the clock used for LastComputedAt.
func WithClock(c quartz.Clock) Option { return func(a *Aggregator) { a.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// New creates an aggregator.
func New(s ledger.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:  s,
		cache:  NewMemoryCache(),
		loc:    time.UTC,
		clock:  quartz.NewReal(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Location returns the zone period boundaries use.
func (a *Aggregator) Location() *time.Location { return a.loc }

// Recompute builds the bucket for one period from every session in it.
func (a *Aggregator) Recompute(ctx context.Context, subjectID string, category ir.Category, period ir.PeriodKey) (ir.AggregateBucket, error) {
	rev, err := a.store.Revision(ctx)
	if err != nil {
		return ir.AggregateBucket{}, storeErr("read revision", err)
	}
	start, end := period.Start, period.End()
	sessions, err := a.store.ListSessions(ctx, ir.SessionFilter{
		SubjectID: subjectID,
		Category:  category,
		From:      start,
		To:        end,
	})
	if err != nil {
		return ir.AggregateBucket{}, storeErr("list sessions", err)
	}

	b := ir.AggregateBucket{
		SubjectID:     subjectID,
		Category:      category,
		PeriodKey:     period.String(),
		PeriodStart:   start,
		PeriodEnd:     end,
		Revision:      rev,
		Contributions: make(map[string]time.Duration),
	}
	for _, s := range sessions {
		add(&b, s)
	}
	sort.Strings(b.AnomalyIDs)
	b.LastComputedAt = ir.Instant(a.clock.Now())
	return b, nil
}

// Update folds sessions written after b.Revision into a copy of b. When a
// session b already counted has been rewritten (merged or otherwise
// changed), it falls back to Recompute.
func (a *Aggregator) Update(ctx context.Context, b ir.AggregateBucket) (ir.AggregateBucket, error) {
	rev, err := a.store.Revision(ctx)
	if err != nil {
		return ir.AggregateBucket{}, storeErr("read revision", err)
	}
	if rev == b.Revision {
		return b, nil
	}
	period, err := ir.ParsePeriodKey(b.PeriodKey, a.loc)
	if err != nil {
		return ir.AggregateBucket{}, err
	}

	changed, err := a.store.ListSessions(ctx, ir.SessionFilter{
		SubjectID:   b.SubjectID,
		Category:    b.Category,
		From:        b.PeriodStart,
		To:          b.PeriodEnd,
		MinRevision: b.Revision + 1,
	})
	if err != nil {
		return ir.AggregateBucket{}, storeErr("list changed sessions", err)
	}

	next := b.Clone()
	if next.Contributions == nil {
		next.Contributions = make(map[string]time.Duration)
	}
	anomalies := make(map[string]bool, len(next.AnomalyIDs))
	for _, id := range next.AnomalyIDs {
		anomalies[id] = true
	}
	for _, s := range changed {
		if _, counted := next.Contributions[s.ID]; counted {
			a.logger.Debug("counted session changed, recomputing bucket",
				"bucket", b.CacheKey(),
				"session_id", s.ID,
			)
			return a.Recompute(ctx, b.SubjectID, b.Category, period)
		}
		if anomalies[s.ID] {
			continue
		}
		add(&next, s)
	}
	sort.Strings(next.AnomalyIDs)
	next.Revision = rev
	next.LastComputedAt = ir.Instant(a.clock.Now())
	return next, nil
}

// add counts s into b if it belongs there.
func add(b *ir.AggregateBucket, s ir.Session) {
	switch {
	case s.Countable():
		d := s.Clipped(b.PeriodStart, b.PeriodEnd)
		b.Contributions[s.ID] = d
		b.TotalDuration += d
		b.SessionCount++
	case s.State == ir.StateAnomalous:
		if s.StartedAt.Before(b.PeriodStart) || !s.StartedAt.Before(b.PeriodEnd) {
			return
		}
		b.AnomalyCount++
		b.AnomalyIDs = append(b.AnomalyIDs, s.ID)
	}
}

// Query returns one bucket per period in r. Cached buckets are brought up
// to date incrementally; missing ones are recomputed. Cancellation is
// checked between periods, and a bucket is cached only after it is
// complete.
func (a *Aggregator) Query(ctx context.Context, subjectID string, category ir.Category, r ir.PeriodRange) ([]ir.AggregateBucket, error) {
	periods := r.Periods(a.loc)
	out := make([]ir.AggregateBucket, 0, len(periods))
	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := a.bucket(ctx, subjectID, category, p)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (a *Aggregator) bucket(ctx context.Context, subjectID string, category ir.Category, p ir.PeriodKey) (ir.AggregateBucket, error) {
	key := ir.BucketKey(subjectID, category, p.String())
	v, err, _ := a.flight.Do(key, func() (any, error) {
		cached, ok, err := a.cache.Get(ctx, key)
		if err != nil {
			a.logger.Warn("bucket cache read failed", "bucket", key, "error", err)
			ok = false
		}

		var b ir.AggregateBucket
		if ok {
			b, err = a.Update(ctx, cached)
		} else {
			b, err = a.Recompute(ctx, subjectID, category, p)
		}
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !ok || b.Revision != cached.Revision {
			if err := a.cache.Put(ctx, b); err != nil {
				a.logger.Warn("bucket cache write failed", "bucket", key, "error", err)
			}
		}
		return b, nil
	})
	if err != nil {
		return ir.AggregateBucket{}, err
	}
	return v.(ir.AggregateBucket).Clone(), nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ir.NewStoreUnavailable(op, err)
}
