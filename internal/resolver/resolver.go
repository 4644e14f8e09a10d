package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/keylock"
	"github.com/roach88/timeledger/internal/ledger"
)

// Defaults.
const (
	DefaultInterval       = 15 * time.Minute
	DefaultMergeThreshold = 2 * time.Minute
	DefaultLookback       = 48 * time.Hour
)

// ErrBusy is returned by RunOnce when another pass is in progress.
var ErrBusy = errors.New("resolver: pass already running")

// Stats counts what one pass changed.
type Stats struct {
	Closed    int
	Merged    int
	Recovered int
}

// Observer receives the stats of every completed pass.
type Observer interface {
	PassCompleted(s Stats, err error)
}

// Resolver runs gap and anomaly passes.
type Resolver struct {
	store    ledger.Store
	locks    *keylock.Locker
	clock    quartz.Clock
	ids      engine.IDGenerator
	policy   engine.Policy
	merge    time.Duration
	lookback time.Duration
	interval time.Duration
	logger   *slog.Logger
	observer Observer

	pass sync.Mutex

	// life guards the ticker started by Start.
	life   sync.Mutex
	cancel context.CancelFunc
	waiter quartz.Waiter
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy sets idle thresholds and grace.
func WithPolicy(p engine.Policy) Option { return func(r *Resolver) { r.policy = p } }

// WithMergeThreshold sets the largest gap that is merged (exclusive).
func WithMergeThreshold(d time.Duration) Option { return func(r *Resolver) { r.merge = d } }

// WithLookback limits merging to sessions overlapping the last d.
func WithLookback(d time.Duration) Option { return func(r *Resolver) { r.lookback = d } }

// WithInterval sets the ticker period used by Start.
func WithInterval(d time.Duration) Option { return func(r *Resolver) { r.interval = d } }

// WithClock sets the clock.
func WithClock(c quartz.Clock) Option { return func(r *Resolver) { r.clock = c } }

// WithIDGenerator sets the generator for merge products.
func WithIDGenerator(g engine.IDGenerator) Option { return func(r *Resolver) { r.ids = g } }

// WithLocker shares the engine's key lock.
func WithLocker(l *keylock.Locker) Option { return func(r *Resolver) { r.locks = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Resolver) { r.logger = l } }

// WithObserver registers an observer.
func WithObserver(o Observer) Option { return func(r *Resolver) { r.observer = o } }

// New creates a resolver.
func New(s ledger.Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:    s,
		locks:    keylock.New(),
		clock:    quartz.NewReal(),
		ids:      engine.UUIDv7Generator{},
		policy:   engine.DefaultPolicy(),
		merge:    DefaultMergeThreshold,
		lookback: DefaultLookback,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs a pass every interval until ctx is done or Close is called.
// It does nothing while a ticker from an earlier Start is still running.
func (r *Resolver) Start(ctx context.Context) {
	r.life.Lock()
	defer r.life.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.waiter = r.clock.TickerFunc(ctx, r.interval, func() error {
		_, err := r.RunOnce(ctx)
		switch {
		case err == nil, errors.Is(err, ErrBusy), ctx.Err() != nil:
		default:
			r.logger.Error("resolver pass failed", "error", err)
		}
		return nil
	}, "resolver")
}

// Close stops the ticker started by Start and waits for a running pass.
func (r *Resolver) Close() error {
	r.life.Lock()
	cancel, waiter := r.cancel, r.waiter
	r.cancel, r.waiter = nil, nil
	r.life.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := waiter.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce closes stale sessions, then merges near-adjacent ones. It
// returns ErrBusy without doing anything when a pass is already running.
func (r *Resolver) RunOnce(ctx context.Context) (Stats, error) {
	if !r.pass.TryLock() {
		return Stats{}, ErrBusy
	}
	defer r.pass.Unlock()

	var stats Stats
	err := r.run(ctx, &stats)
	r.report(stats, err)
	return stats, err
}

func (r *Resolver) run(ctx context.Context, stats *Stats) error {
	now := ir.Instant(r.clock.Now())

	closed, err := r.closeStale(ctx, now)
	stats.Closed = closed
	if err != nil {
		return err
	}

	merged, err := r.mergeAdjacent(ctx, now)
	stats.Merged = merged
	return err
}

// Recover closes every session still OPEN whose last activity is before
// boundary, typically the process start time, with SYSTEM_RECOVERY at the
// last activity. It waits for a running pass instead of returning ErrBusy.
func (r *Resolver) Recover(ctx context.Context, boundary time.Time) (Stats, error) {
	r.pass.Lock()
	defer r.pass.Unlock()

	var stats Stats
	n, err := r.closeOpen(ctx, func(s ir.Session, now time.Time) (ir.Session, bool) {
		if !s.LastActivityAt.Before(boundary) {
			return ir.Session{}, false
		}
		return engine.CloseSession(s, s.LastActivityAt, ir.CloseSystemRecovery, now), true
	})
	stats.Recovered = n
	if n > 0 {
		r.logger.Info("recovered open sessions", "count", n, "boundary", boundary)
	}
	r.report(stats, err)
	return stats, err
}

func (r *Resolver) closeStale(ctx context.Context, now time.Time) (int, error) {
	return r.closeOpen(ctx, func(s ir.Session, at time.Time) (ir.Session, bool) {
		if !r.policy.Stale(s, now) {
			return ir.Session{}, false
		}
		return r.policy.CloseInferred(s, now, at), true
	})
}

// closeOpen applies decide to every OPEN session, re-reading each one
// under its key lock so a concurrent engine decision wins.
func (r *Resolver) closeOpen(ctx context.Context, decide func(s ir.Session, now time.Time) (ir.Session, bool)) (int, error) {
	open, err := r.store.ListSessions(ctx, ir.SessionFilter{States: []ir.SessionState{ir.StateOpen}})
	if err != nil {
		return 0, ir.NewStoreUnavailable("list open sessions", err)
	}

	n := 0
	for _, candidate := range open {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, ok := decide(candidate, ir.Instant(r.clock.Now())); !ok {
			continue
		}

		done, err := r.withKey(ctx, candidate.Key(), func() (bool, error) {
			current, ok, err := r.store.OpenSession(ctx, candidate.Key())
			if err != nil {
				return false, ir.NewStoreUnavailable("read open session", err)
			}
			if !ok || current.ID != candidate.ID {
				return false, nil
			}
			closed, ok := decide(current, ir.Instant(r.clock.Now()))
			if !ok {
				return false, nil
			}
			return true, r.commit(ctx, current.Key(), ledger.Batch{Put: []ir.Session{closed}})
		})
		if err != nil {
			return n, err
		}
		if done {
			n++
			r.logger.Debug("closed open session",
				"key", candidate.Key().String(),
				"session_id", candidate.ID,
			)
		}
	}
	return n, nil
}

func (r *Resolver) withKey(ctx context.Context, key ir.SessionKey, fn func() (bool, error)) (bool, error) {
	unlock, err := r.locks.Lock(ctx, key.String())
	if err != nil {
		return false, err
	}
	defer unlock()
	return fn()
}

func (r *Resolver) commit(ctx context.Context, key ir.SessionKey, b ledger.Batch) error {
	err := r.store.Commit(ctx, b)
	switch {
	case err == nil:
		return nil
	case ledger.IsInvariantViolation(err):
		return ir.NewConsistencyViolation(key, "store rejected resolver change", err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return ir.NewStoreUnavailable("commit", err)
	}
}

func (r *Resolver) report(s Stats, err error) {
	if r.observer != nil {
		r.observer.PassCompleted(s, err)
	}
}
