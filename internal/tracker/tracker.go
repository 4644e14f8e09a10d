// Package tracker is the entry point that wires the normalizer, engine,
// resolver and aggregator around one session store.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/coder/quartz"

	"github.com/roach88/timeledger/internal/aggregate"
	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/keylock"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/resolver"
)

// Settings are the tunables of the reconciliation pipeline.
type Settings struct {
	Policy             engine.Policy
	SkewWindow         time.Duration
	MergeThreshold     time.Duration
	MergeLookback      time.Duration
	ResolveInterval    time.Duration
	ResolveBeforeQuery bool
	Location           *time.Location
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		Policy:             engine.DefaultPolicy(),
		SkewWindow:         normalize.DefaultSkewWindow,
		MergeThreshold:     resolver.DefaultMergeThreshold,
		MergeLookback:      resolver.DefaultLookback,
		ResolveInterval:    resolver.DefaultInterval,
		ResolveBeforeQuery: true,
		Location:           time.UTC,
	}
}

type options struct {
	clock       quartz.Clock
	ids         engine.IDGenerator
	cache       aggregate.Cache
	logger      *slog.Logger
	engineObs   engine.Observer
	resolverObs resolver.Observer
}

// Option configures a Tracker.
type Option func(*options)

// WithClock sets the clock shared by every component.
func WithClock(c quartz.Clock) Option { return func(o *options) { o.clock = c } }

// WithIDGenerator sets the session id generator.
func WithIDGenerator(g engine.IDGenerator) Option { return func(o *options) { o.ids = g } }

// WithCache sets the aggregate bucket cache.
func WithCache(c aggregate.Cache) Option { return func(o *options) { o.cache = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithEngineObserver observes every processed event.
func WithEngineObserver(obs engine.Observer) Option { return func(o *options) { o.engineObs = obs } }

// WithResolverObserver observes every resolver pass.
func WithResolverObserver(obs resolver.Observer) Option {
	return func(o *options) { o.resolverObs = obs }
}

// IngestResult reports what happened to one raw event.
type IngestResult struct {
	Accepted   bool           `json:"accepted"`
	Duplicate  bool           `json:"duplicate,omitempty"`
	Anomaly    ir.AnomalyKind `json:"anomaly,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	EventID    string         `json:"event_id,omitempty"`
	Transition string         `json:"transition,omitempty"`

	// Closed lists sessions the event closed besides its own.
	Closed []string `json:"closed,omitempty"`

	// Err is set by IngestBatch for an event that failed validation.
	Err error `json:"-"`
}

// Tracker is the session reconciliation and aggregation service.
type Tracker struct {
	store      ledger.Store
	normalizer *normalize.Normalizer
	engine     *engine.Engine
	resolver   *resolver.Resolver
	agg        *aggregate.Aggregator
	settings   Settings
	logger     *slog.Logger
}

// New wires a Tracker around store.
func New(store ledger.Store, s Settings, opts ...Option) *Tracker {
	o := options{
		clock:  quartz.NewReal(),
		ids:    engine.UUIDv7Generator{},
		cache:  aggregate.NewMemoryCache(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if s.Location == nil {
		s.Location = time.UTC
	}

	locks := keylock.New()
	engineOpts := []engine.Option{
		engine.WithPolicy(s.Policy),
		engine.WithClock(o.clock),
		engine.WithIDGenerator(o.ids),
		engine.WithLocker(locks),
		engine.WithLogger(o.logger.With("component", "engine")),
	}
	if o.engineObs != nil {
		engineOpts = append(engineOpts, engine.WithObserver(o.engineObs))
	}
	resolverOpts := []resolver.Option{
		resolver.WithPolicy(s.Policy),
		resolver.WithMergeThreshold(s.MergeThreshold),
		resolver.WithLookback(s.MergeLookback),
		resolver.WithInterval(s.ResolveInterval),
		resolver.WithClock(o.clock),
		resolver.WithIDGenerator(o.ids),
		resolver.WithLocker(locks),
		resolver.WithLogger(o.logger.With("component", "resolver")),
	}
	if o.resolverObs != nil {
		resolverOpts = append(resolverOpts, resolver.WithObserver(o.resolverObs))
	}

	return &Tracker{
		store: store,
		normalizer: normalize.New(
			normalize.WithClock(o.clock),
			normalize.WithSkewWindow(s.SkewWindow),
		),
		engine:   engine.New(store, engineOpts...),
		resolver: resolver.New(store, resolverOpts...),
		agg: aggregate.New(store,
			aggregate.WithCache(o.cache),
			aggregate.WithLocation(s.Location),
			aggregate.WithClock(o.clock),
			aggregate.WithLogger(o.logger.With("component", "aggregate")),
		),
		settings: s,
		logger:   o.logger,
	}
}

// Settings returns the tracker's settings.
func (t *Tracker) Settings() Settings { return t.settings }

// Store returns the underlying session store.
func (t *Tracker) Store() ledger.Store { return t.store }

// Ingest normalizes and applies one event. Validation failures return an
// ir.Error with code VALIDATION_ERROR and leave the ledger untouched.
// Anomalies are accepted and reported in the result.
func (t *Tracker) Ingest(ctx context.Context, raw normalize.RawEvent) (IngestResult, error) {
	ev, err := t.normalizer.Normalize(raw)
	if err != nil {
		return IngestResult{}, err
	}
	return t.apply(ctx, ev)
}

// IngestBatch normalizes every event, orders the valid ones by timestamp,
// sequence hint and arrival, and applies them. Results are aligned with
// raws; validation failures are reported per event in Err. The first
// store or consistency error stops the batch and is returned.
func (t *Tracker) IngestBatch(ctx context.Context, raws []normalize.RawEvent) ([]IngestResult, error) {
	results := make([]IngestResult, len(raws))

	type indexed struct {
		ev  ir.PresenceEvent
		pos int
	}
	valid := make([]indexed, 0, len(raws))
	for i, raw := range raws {
		ev, err := t.normalizer.Normalize(raw)
		if err != nil {
			results[i].Err = err
			continue
		}
		valid = append(valid, indexed{ev: ev, pos: i})
	}
	sort.SliceStable(valid, func(i, j int) bool { return engine.Less(valid[i].ev, valid[j].ev) })

	for _, v := range valid {
		res, err := t.apply(ctx, v.ev)
		if err != nil {
			return results, err
		}
		results[v.pos] = res
	}
	return results, nil
}

// Apply processes an already-normalized event. Replays and the Kafka
// consumer use it after their own ordering.
func (t *Tracker) Apply(ctx context.Context, ev ir.PresenceEvent) (IngestResult, error) {
	return t.apply(ctx, ev)
}

// Normalize exposes the tracker's normalizer.
func (t *Tracker) Normalize(raw normalize.RawEvent) (ir.PresenceEvent, error) {
	return t.normalizer.Normalize(raw)
}

func (t *Tracker) apply(ctx context.Context, ev ir.PresenceEvent) (IngestResult, error) {
	out, err := t.engine.Process(ctx, ev)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{
		Accepted:   true,
		Duplicate:  out.Duplicate,
		Anomaly:    out.Anomaly,
		SessionID:  out.SessionID,
		EventID:    ev.ID,
		Transition: string(out.Transition),
		Closed:     out.Closed,
	}, nil
}

// Query returns per-period buckets for a subject and category, running a
// resolver pass first when ResolveBeforeQuery is set.
func (t *Tracker) Query(ctx context.Context, subjectID string, category ir.Category, r ir.PeriodRange) ([]ir.AggregateBucket, error) {
	if t.settings.ResolveBeforeQuery {
		if _, err := t.resolver.RunOnce(ctx); err != nil && !errors.Is(err, resolver.ErrBusy) {
			return nil, err
		}
	}
	return t.agg.Query(ctx, subjectID, category, r)
}

// ListSessions returns matching sessions ordered by start.
func (t *Tracker) ListSessions(ctx context.Context, f ir.SessionFilter) ([]ir.Session, error) {
	sessions, err := t.store.ListSessions(ctx, f)
	if err != nil {
		return nil, ir.NewStoreUnavailable("list sessions", err)
	}
	return sessions, nil
}

// DailyLog returns the attendance time log of a subject.
func (t *Tracker) DailyLog(ctx context.Context, subjectID string, from, to time.Time) ([]aggregate.DailyEntry, error) {
	if t.settings.ResolveBeforeQuery {
		if _, err := t.resolver.RunOnce(ctx); err != nil && !errors.Is(err, resolver.ErrBusy) {
			return nil, err
		}
	}
	return t.agg.DailyLog(ctx, subjectID, from, to)
}

// Resolve runs one resolver pass.
func (t *Tracker) Resolve(ctx context.Context) (resolver.Stats, error) {
	return t.resolver.RunOnce(ctx)
}

// Recover closes sessions left open by a previous process.
func (t *Tracker) Recover(ctx context.Context, boundary time.Time) (resolver.Stats, error) {
	return t.resolver.Recover(ctx, boundary)
}

// Start begins periodic resolver passes.
func (t *Tracker) Start(ctx context.Context) {
	t.resolver.Start(ctx)
}

// Close stops periodic passes. It does not close the store.
func (t *Tracker) Close() error {
	return t.resolver.Close()
}
