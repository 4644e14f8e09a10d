// Package replay re-derives sessions from the stored event log and
// compares them with the persisted ledger.
//
// Events are re-applied in arrival order (IngestedAt, then IngestSeq), the
// order the engine originally saw them, through a fresh engine on a memory
// ledger. Session ids are not reproducible, so sessions are compared by
// key, interval, state, close reason, anomaly kind and merge status.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/resolver"
)

// Options control a rebuild.
type Options struct {
	Policy         engine.Policy
	MergeThreshold time.Duration
	MergeLookback  time.Duration

	// Resolve runs one resolver pass on the rebuilt ledger before comparing.
	Resolve bool

	// SubjectID limits the rebuild to one subject.
	SubjectID string

	Logger *slog.Logger
}

// DivergenceKind names which side a session is missing from.
type DivergenceKind string

const (
	// Missing sessions are persisted but not re-derived.
	Missing DivergenceKind = "missing"
	// Unexpected sessions are re-derived but not persisted.
	Unexpected DivergenceKind = "unexpected"
)

// Divergence is one session present on only one side.
type Divergence struct {
	Kind    DivergenceKind `json:"kind"`
	Session ir.Session     `json:"session"`
}

// Report summarizes a rebuild.
type Report struct {
	Events      int          `json:"events"`
	Duplicates  int          `json:"duplicates"`
	Anomalies   int          `json:"anomalies"`
	Persisted   int          `json:"persisted"`
	Rebuilt     int          `json:"rebuilt"`
	Divergences []Divergence `json:"divergences"`
}

// Consistent reports whether both ledgers hold the same sessions.
func (r Report) Consistent() bool { return len(r.Divergences) == 0 }

// Rebuild replays src's event log into a new memory ledger, which it
// returns with the comparison report.
func Rebuild(ctx context.Context, src ledger.Store, opts Options) (Report, *ledger.MemStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	events, err := src.ListEvents(ctx, ir.EventFilter{SubjectID: opts.SubjectID})
	if err != nil {
		return Report{}, nil, fmt.Errorf("list events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.IngestedAt.Equal(b.IngestedAt) {
			return a.IngestedAt.Before(b.IngestedAt)
		}
		return a.IngestSeq < b.IngestSeq
	})

	dst := ledger.NewMemStore()
	eng := engine.New(dst,
		engine.WithPolicy(opts.Policy),
		engine.WithLogger(logger.With("component", "replay")),
	)

	report := Report{Events: len(events)}
	for _, ev := range events {
		out, err := eng.Process(ctx, ev)
		if err != nil {
			return report, dst, fmt.Errorf("replay event %s: %w", ev.ID, err)
		}
		if out.Duplicate {
			report.Duplicates++
		}
		if out.Anomaly != "" {
			report.Anomalies++
		}
	}

	if opts.Resolve {
		res := resolver.New(dst,
			resolver.WithPolicy(opts.Policy),
			resolver.WithMergeThreshold(opts.MergeThreshold),
			resolver.WithLookback(opts.MergeLookback),
			resolver.WithLocker(eng.Locker()),
			resolver.WithLogger(logger.With("component", "replay")),
		)
		if _, err := res.RunOnce(ctx); err != nil {
			return report, dst, fmt.Errorf("resolve rebuilt ledger: %w", err)
		}
	}

	filter := ir.SessionFilter{SubjectID: opts.SubjectID}
	persisted, err := src.ListSessions(ctx, filter)
	if err != nil {
		return report, dst, fmt.Errorf("list persisted sessions: %w", err)
	}
	rebuilt, err := dst.ListSessions(ctx, filter)
	if err != nil {
		return report, dst, fmt.Errorf("list rebuilt sessions: %w", err)
	}
	report.Persisted, report.Rebuilt = len(persisted), len(rebuilt)
	report.Divergences = Diff(persisted, rebuilt)

	logger.Info("replay finished",
		"events", report.Events,
		"persisted", report.Persisted,
		"rebuilt", report.Rebuilt,
		"divergences", len(report.Divergences),
	)
	return report, dst, nil
}

// Diff compares two session sets by signature. Sessions of want missing
// from got are Missing; sessions of got missing from want are Unexpected.
func Diff(want, got []ir.Session) []Divergence {
	counts := make(map[string]int, len(got))
	for _, s := range got {
		counts[signature(s)]++
	}

	out := []Divergence{}
	for _, s := range want {
		sig := signature(s)
		if counts[sig] > 0 {
			counts[sig]--
			continue
		}
		out = append(out, Divergence{Kind: Missing, Session: s})
	}
	for _, s := range got {
		sig := signature(s)
		if counts[sig] > 0 {
			counts[sig]--
			out = append(out, Divergence{Kind: Unexpected, Session: s})
		}
	}
	return out
}

func signature(s ir.Session) string {
	end := "open"
	if s.EndedAt != nil {
		end = s.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s|%t",
		s.Key().String(),
		s.StartedAt.UTC().Format(time.RFC3339Nano),
		end,
		s.State,
		s.CloseReason,
		s.Anomaly,
		s.MergedInto != "",
	)
}
