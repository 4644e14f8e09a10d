package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/timeledger/internal/engine"
	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/ledger"
	"github.com/roach88/timeledger/internal/testutil"
	"github.com/roach88/timeledger/internal/tracker"
)

// Harness executes one scenario.
type Harness struct {
	tracker *tracker.Tracker
	clock   *testutil.FrozenClock
	loc     *time.Location
}

// Run executes a scenario on a fresh memory ledger and returns the result.
// An error means the scenario could not run at all; failed expectations
// are reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	loc := time.UTC
	if scenario.Location != "" {
		l, err := time.LoadLocation(scenario.Location)
		if err != nil {
			return nil, fmt.Errorf("location: %w", err)
		}
		loc = l
	}

	settings := tracker.DefaultSettings()
	settings.SkewWindow = 0
	settings.ResolveBeforeQuery = false
	settings.Location = loc
	if p := scenario.Policy; p != nil {
		if p.IdleAttendance != 0 {
			settings.Policy.IdleAttendance = p.IdleAttendance
		}
		if p.IdleUtilization != 0 {
			settings.Policy.IdleUtilization = p.IdleUtilization
		}
		settings.Policy.Grace = p.Grace
	}
	if scenario.MergeThreshold != 0 {
		settings.MergeThreshold = scenario.MergeThreshold
	}

	clock := testutil.NewFrozenClock(scenario.Start)
	h := &Harness{
		tracker: tracker.New(ledger.NewMemStore(), settings,
			tracker.WithClock(clock),
			tracker.WithIDGenerator(engine.NewSequenceGenerator("s")),
			tracker.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		),
		clock: clock,
		loc:   loc,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i+1, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	sessions, err := h.tracker.ListSessions(ctx, ir.SessionFilter{})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	result.Sessions = sessions

	for _, msg := range h.evaluate(ctx, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, n int, step Step, result *Result) error {
	switch {
	case step.Event != nil:
		h.executeEvent(ctx, n, step, result)

	case step.Clock != nil:
		h.clock.Set(*step.Clock)
		result.Trace = append(result.Trace, TraceEvent{Step: n, Kind: KindClock, Now: formatTime(h.clock.Now())})

	case step.Advance != 0:
		now := h.clock.Advance(step.Advance)
		result.Trace = append(result.Trace, TraceEvent{Step: n, Kind: KindClock, Now: formatTime(now)})

	case step.Resolve:
		stats, err := h.tracker.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		result.Trace = append(result.Trace, TraceEvent{
			Step: n, Kind: KindResolve,
			ClosedCount: stats.Closed, MergedCount: stats.Merged,
		})

	case step.Recover != nil:
		stats, err := h.tracker.Recover(ctx, *step.Recover)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		result.Trace = append(result.Trace, TraceEvent{Step: n, Kind: KindRecover, RecoveredCount: stats.Recovered})
	}
	return nil
}

func (h *Harness) executeEvent(ctx context.Context, n int, step Step, result *Result) {
	raw := *step.Event
	te := TraceEvent{
		Step:      n,
		Kind:      KindEvent,
		Source:    raw.Source,
		Timestamp: formatTime(raw.Timestamp),
		OriginID:  raw.OriginID,
	}

	res, err := h.tracker.Ingest(ctx, raw)
	if err != nil {
		te.Error = errorCode(err)
	} else {
		te.Transition = res.Transition
		te.Anomaly = string(res.Anomaly)
		te.Duplicate = res.Duplicate
		te.SessionID = res.SessionID
		te.Closed = res.Closed
	}
	result.Trace = append(result.Trace, te)

	if step.Expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("step %d: unexpected error: %v", n, err))
		}
		return
	}
	for _, msg := range checkExpect(n, *step.Expect, te) {
		result.AddError(msg)
	}
}

func checkExpect(n int, want ExpectClause, got TraceEvent) []string {
	var errs []string
	mismatch := func(field, w, g string) {
		errs = append(errs, fmt.Sprintf("step %d: expected %s %q, got %q", n, field, w, g))
	}
	if want.Error != got.Error {
		mismatch("error", want.Error, got.Error)
	}
	if want.Transition != "" && want.Transition != got.Transition {
		mismatch("transition", want.Transition, got.Transition)
	}
	if want.Anomaly != "" && want.Anomaly != got.Anomaly {
		mismatch("anomaly", want.Anomaly, got.Anomaly)
	}
	if want.Duplicate != got.Duplicate {
		mismatch("duplicate", fmt.Sprint(want.Duplicate), fmt.Sprint(got.Duplicate))
	}
	return errs
}

func errorCode(err error) string {
	var ie *ir.Error
	if errors.As(err, &ie) {
		return string(ie.Code)
	}
	return err.Error()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
