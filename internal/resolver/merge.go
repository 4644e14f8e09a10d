package resolver

import (
	"context"
	"time"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
)

// mergeAdjacent merges runs of same-key sessions whose gaps are all in
// [0, merge threshold). Only sessions overlapping the lookback window are
// considered.
func (r *Resolver) mergeAdjacent(ctx context.Context, now time.Time) (int, error) {
	if r.merge <= 0 {
		return 0, nil
	}
	sessions, err := r.store.ListSessions(ctx, ir.SessionFilter{
		States: []ir.SessionState{ir.StateOpen, ir.StateClosed, ir.StateClosedInferred},
		From:   now.Add(-r.lookback),
	})
	if err != nil {
		return 0, ir.NewStoreUnavailable("list sessions", err)
	}

	byKey := make(map[ir.SessionKey][]ir.Session)
	var keys []ir.SessionKey
	for _, s := range sessions {
		if s.MergedInto != "" {
			continue
		}
		if _, seen := byKey[s.Key()]; !seen {
			keys = append(keys, s.Key())
		}
		byKey[s.Key()] = append(byKey[s.Key()], s)
	}

	merged := 0
	for _, key := range keys {
		for _, run := range mergeRuns(byKey[key], r.merge) {
			if err := ctx.Err(); err != nil {
				return merged, err
			}
			ok, err := r.withKey(ctx, key, func() (bool, error) {
				return r.mergeRun(ctx, key, run)
			})
			if err != nil {
				return merged, err
			}
			if ok {
				merged++
			}
		}
	}
	return merged, nil
}

// mergeRuns splits sessions, sorted by start, into runs of two or more
// where each gap is in [0, threshold). Only the last session of a run may
// be open.
func mergeRuns(sessions []ir.Session, threshold time.Duration) [][]ir.Session {
	var runs [][]ir.Session
	var cur []ir.Session
	flush := func() {
		if len(cur) > 1 {
			runs = append(runs, cur)
		}
		cur = nil
	}
	for _, s := range sessions {
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			if prev.EndedAt == nil {
				flush()
			} else if gap := s.StartedAt.Sub(*prev.EndedAt); gap < 0 || gap >= threshold {
				flush()
			}
		}
		cur = append(cur, s)
	}
	flush()
	return runs
}

// mergeRun re-reads the run under the key lock and commits the merge if
// nothing changed since the unlocked read.
func (r *Resolver) mergeRun(ctx context.Context, key ir.SessionKey, run []ir.Session) (bool, error) {
	first, last := run[0], run[len(run)-1]
	current, err := r.store.ListSessions(ctx, ir.SessionFilter{
		SubjectID: key.SubjectID,
		Category:  key.Category,
		OriginID:  key.OriginID,
		From:      first.StartedAt,
	})
	if err != nil {
		return false, ir.NewStoreUnavailable("reread sessions", err)
	}
	byID := make(map[string]ir.Session, len(current))
	for _, s := range current {
		byID[s.ID] = s
	}
	for _, s := range run {
		if now, ok := byID[s.ID]; !ok || now.Revision != s.Revision {
			r.logger.Debug("merge candidate changed, skipping", "key", key.String(), "session_id", s.ID)
			return false, nil
		}
	}

	now := ir.Instant(r.clock.Now())
	product := ir.Session{
		ID:             r.ids.Generate(),
		SubjectID:      key.SubjectID,
		Category:       key.Category,
		OriginID:       key.OriginID,
		StartedAt:      first.StartedAt,
		LastActivityAt: first.LastActivityAt,
		State:          last.State,
		CloseReason:    last.CloseReason,
		EventID:        first.EventID,
		UpdatedAt:      now,
	}
	if last.EndedAt != nil {
		end := *last.EndedAt
		product.EndedAt = &end
	}

	batch := ledger.Batch{Append: []ir.Session{product}}
	for _, s := range run {
		if s.LastActivityAt.After(product.LastActivityAt) {
			product.LastActivityAt = s.LastActivityAt
		}
		orig := s.Clone()
		if orig.IsOpen() {
			end := orig.LastActivityAt
			orig.EndedAt = &end
			orig.State = ir.StateClosed
		}
		orig.CloseReason = ir.CloseSuperseded
		orig.MergedInto = product.ID
		orig.UpdatedAt = now
		batch.Put = append(batch.Put, orig)
	}
	batch.Append[0] = product

	if err := r.commit(ctx, key, batch); err != nil {
		return false, err
	}
	r.logger.Info("merged sessions",
		"key", key.String(),
		"product", product.ID,
		"members", len(run),
	)
	return true, nil
}
