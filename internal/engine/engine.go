package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/keylock"
	"github.com/roach88/timeledger/internal/ledger"
)

// maxSupersedeAttempts bounds how often a LOGIN re-reads the set of open
// sessions it must supersede when that set changes between the unlocked
// read and the locked one.
const maxSupersedeAttempts = 5

// Outcome describes what the engine did with one event.
type Outcome struct {
	// Transition is the table action that was applied.
	Transition Transition

	// Duplicate is set when the event id was already recorded.
	Duplicate bool

	// Anomaly is set when the event was recorded as an ANOMALOUS session.
	Anomaly ir.AnomalyKind

	// SessionID is the session the event opened, extended, closed, or the
	// anomaly record it produced.
	SessionID string

	// Closed lists sessions closed as a side effect (inferred timeout or
	// supersede), in commit order.
	Closed []string
}

// Observer receives every processed event. Implemented by the metrics
// package.
type Observer interface {
	EventProcessed(category ir.Category, o Outcome, err error)
}

// Engine reconciles presence events into sessions.
//
// Thread-safety model:
//   - Process: safe from any goroutine; events for the same key serialize on
//     the key lock, events for different keys run in parallel
//   - every decision is committed to the store as one atomic batch
type Engine struct {
	store    ledger.Store
	locks    *keylock.Locker
	clock    quartz.Clock
	ids      IDGenerator
	policy   Policy
	logger   *slog.Logger
	observer Observer
}

// Option allows configuration of engine parameters.
type Option func(*Engine)

// WithPolicy sets the idle thresholds and grace.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock sets the clock used to stamp UpdatedAt.
func WithClock(c quartz.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the session id generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithLocker shares a key lock with other writers (the resolver).
func WithLocker(l *keylock.Locker) Option {
	return func(e *Engine) { e.locks = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New creates an Engine on the given store.
func New(s ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		locks:  keylock.New(),
		clock:  quartz.NewReal(),
		ids:    UUIDv7Generator{},
		policy: DefaultPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Locker returns the key lock the engine serializes on.
func (e *Engine) Locker() *keylock.Locker { return e.locks }

// Policy returns the engine's thresholds.
func (e *Engine) Policy() Policy { return e.policy }

// Process applies one normalized event.
//
// Anomalies are recorded and reported in Outcome.Anomaly; they are not
// errors. Errors are *ir.Error with code CONSISTENCY_VIOLATION or
// STORE_UNAVAILABLE, or the context error.
func (e *Engine) Process(ctx context.Context, ev ir.PresenceEvent) (Outcome, error) {
	out, err := e.process(ctx, ev)
	if e.observer != nil {
		e.observer.EventProcessed(ev.Source.Category(), out, err)
	}
	return out, err
}

func (e *Engine) process(ctx context.Context, ev ir.PresenceEvent) (Outcome, error) {
	key := ev.Key()

	for attempt := 0; attempt < maxSupersedeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}

		lockKeys := []string{key.String()}
		if ev.Source == ir.SourceUserLogin {
			others, err := e.supersedeCandidates(ctx, ev)
			if err != nil {
				return Outcome{}, err
			}
			for _, s := range others {
				lockKeys = append(lockKeys, s.Key().String())
			}
		}

		unlock, err := e.locks.Lock(ctx, lockKeys...)
		if err != nil {
			return Outcome{}, err
		}
		out, retry, err := e.decide(ctx, ev, lockKeys)
		unlock()

		if !retry {
			return out, err
		}
		e.logger.Debug("supersede set changed, retrying",
			"key", key.String(),
			"event_id", ev.ID,
			"attempt", attempt+1,
		)
	}
	return Outcome{}, ir.NewConsistencyViolation(key, "open sessions kept changing during supersede", nil)
}

// supersedeCandidates returns open attendance sessions of the subject on
// other origins that a LOGIN at ev.Timestamp closes.
func (e *Engine) supersedeCandidates(ctx context.Context, ev ir.PresenceEvent) ([]ir.Session, error) {
	open, err := e.store.OpenSessionsFor(ctx, ev.SubjectID, ir.CategoryAttendance)
	if err != nil {
		return nil, storeErr("read open sessions", err)
	}
	out := open[:0]
	for _, s := range open {
		if s.OriginID != ev.OriginID && !s.StartedAt.After(ev.Timestamp) {
			out = append(out, s)
		}
	}
	return out, nil
}

// decide runs under the locks for lockKeys. It returns retry=true when a
// LOGIN finds a supersede candidate whose key it does not hold.
func (e *Engine) decide(ctx context.Context, ev ir.PresenceEvent, lockKeys []string) (Outcome, bool, error) {
	key := ev.Key()
	now := ir.Instant(e.clock.Now())

	dup, err := e.store.HasEvent(ctx, ev.ID)
	if err != nil {
		return Outcome{}, false, storeErr("check event", err)
	}
	if dup {
		e.logger.Debug("duplicate event ignored", "event_id", ev.ID, "key", key.String())
		return Outcome{Transition: TransitionDuplicate, Duplicate: true}, false, nil
	}

	var others []ir.Session
	if ev.Source == ir.SourceUserLogin {
		others, err = e.supersedeCandidates(ctx, ev)
		if err != nil {
			return Outcome{}, false, err
		}
		held := make(map[string]bool, len(lockKeys))
		for _, k := range lockKeys {
			held[k] = true
		}
		for _, s := range others {
			if !held[s.Key().String()] {
				return Outcome{}, true, nil
			}
		}
	}

	batch := ledger.Batch{Event: &ev}
	out := Outcome{}

	mark, hasMark, err := e.store.Watermark(ctx, key)
	if err != nil {
		return Outcome{}, false, storeErr("read watermark", err)
	}
	if hasMark && ev.Timestamp.Before(mark) {
		out.Transition = TransitionLate
		rec := e.anomalyRecord(ev, ir.AnomalyLateEvent, now)
		batch.Append = append(batch.Append, rec)
		out.Anomaly, out.SessionID = ir.AnomalyLateEvent, rec.ID
		return e.commit(ctx, key, batch, out)
	}

	open, hasOpen, err := e.store.OpenSession(ctx, key)
	if err != nil {
		return Outcome{}, false, storeErr("read open session", err)
	}

	if hasOpen && e.policy.Stale(open, ev.Timestamp) {
		closed := e.policy.CloseInferred(open, ev.Timestamp, now)
		batch.Put = append(batch.Put, closed)
		out.Closed = append(out.Closed, closed.ID)
		hasOpen = false
	}

	state := stateNoSession
	if hasOpen {
		state = stateOpen
	}
	t, ok := nextTransition(state, ev.Source)
	if !ok {
		return Outcome{}, false, ir.NewValidationError("source", fmt.Sprintf("unknown source %q", ev.Source))
	}
	if state == stateOpen && ev.Timestamp.Before(open.StartedAt) {
		t = TransitionBeforeStart
	}
	out.Transition = t

	switch t {
	case TransitionOpen:
		s := ir.Session{
			ID:             e.ids.Generate(),
			SubjectID:      ev.SubjectID,
			Category:       key.Category,
			OriginID:       ev.OriginID,
			StartedAt:      ev.Timestamp,
			LastActivityAt: ev.Timestamp,
			State:          ir.StateOpen,
			EventID:        ev.ID,
			UpdatedAt:      now,
		}
		batch.Append = append(batch.Append, s)
		out.SessionID = s.ID

	case TransitionExtend:
		s := open.Clone()
		if ev.Timestamp.After(s.LastActivityAt) {
			s.LastActivityAt = ev.Timestamp
		}
		s.UpdatedAt = now
		batch.Put = append(batch.Put, s)
		out.SessionID = s.ID

	case TransitionClose:
		s := open.Clone()
		if ev.Timestamp.After(s.LastActivityAt) {
			s.LastActivityAt = ev.Timestamp
		}
		s = CloseSession(s, ev.Timestamp, ir.CloseExplicitLogout, now)
		batch.Put = append(batch.Put, s)
		out.SessionID = s.ID

	case TransitionOrphan, TransitionBeforeStart:
		kind := anomalyFor(t)
		rec := e.anomalyRecord(ev, kind, now)
		batch.Append = append(batch.Append, rec)
		out.Anomaly, out.SessionID = kind, rec.ID
	}

	// Supersede only on a LOGIN that starts or extends this origin's session.
	if t == TransitionOpen || t == TransitionExtend {
		for _, s := range others {
			var closed ir.Session
			if e.policy.Stale(s, ev.Timestamp) {
				closed = e.policy.CloseInferred(s, ev.Timestamp, now)
			} else {
				closed = CloseSession(s, ev.Timestamp, ir.CloseSuperseded, now)
			}
			batch.Put = append(batch.Put, closed)
			out.Closed = append(out.Closed, closed.ID)
		}
	}

	return e.commit(ctx, key, batch, out)
}

// anomalyRecord builds the zero-length ANOMALOUS session that audits ev.
func (e *Engine) anomalyRecord(ev ir.PresenceEvent, kind ir.AnomalyKind, now time.Time) ir.Session {
	ts := ev.Timestamp
	return ir.Session{
		ID:             e.ids.Generate(),
		SubjectID:      ev.SubjectID,
		Category:       ev.Source.Category(),
		OriginID:       ev.OriginID,
		StartedAt:      ts,
		EndedAt:        &ts,
		LastActivityAt: ts,
		State:          ir.StateAnomalous,
		Anomaly:        kind,
		EventID:        ev.ID,
		UpdatedAt:      now,
	}
}

func (e *Engine) commit(ctx context.Context, key ir.SessionKey, b ledger.Batch, out Outcome) (Outcome, bool, error) {
	err := e.store.Commit(ctx, b)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrDuplicateEvent):
		// Another writer recorded the same event first.
		return Outcome{Transition: TransitionDuplicate, Duplicate: true}, false, nil
	case ledger.IsInvariantViolation(err):
		e.logger.Error("ledger invariant rejected decision",
			"key", key.String(),
			"transition", string(out.Transition),
			"error", err,
		)
		return Outcome{}, false, ir.NewConsistencyViolation(key, "store rejected decision", err)
	case ctx.Err() != nil:
		return Outcome{}, false, ctx.Err()
	default:
		return Outcome{}, false, storeErr("commit", err)
	}

	if out.Anomaly != "" {
		e.logger.Warn("anomalous event recorded",
			"key", key.String(),
			"anomaly", string(out.Anomaly),
			"session_id", out.SessionID,
			"event_id", b.Event.ID,
		)
	} else {
		e.logger.Debug("event applied",
			"key", key.String(),
			"transition", string(out.Transition),
			"session_id", out.SessionID,
			"closed", out.Closed,
		)
	}
	return out, false, nil
}

func storeErr(op string, err error) error {
	var ie *ir.Error
	if errors.As(err, &ie) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ir.NewStoreUnavailable(op, err)
}
