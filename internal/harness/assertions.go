package harness

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// AssertionError describes one failed assertion.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertions[%d] %s: expected %s, got %s", e.Index, e.Type, e.Expected, e.Actual)
}

func (h *Harness) evaluate(ctx context.Context, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertSessionCount:
			err = assertSessionCount(i, result.Sessions, a)
		case AssertSession:
			err = assertSession(i, result.Sessions, a)
		case AssertBucket:
			err = h.assertBucket(ctx, i, a)
		case AssertTransitionOrder:
			err = assertTransitionOrder(i, result.Trace, a)
		default:
			err = &AssertionError{Index: i, Type: a.Type, Expected: "a known assertion type", Actual: a.Type}
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertSessionCount(i int, sessions []ir.Session, a Assertion) error {
	n := len(matching(sessions, a.Where))
	if n != a.Count {
		return &AssertionError{
			Index: i, Type: a.Type,
			Expected: fmt.Sprintf("%d sessions where %v", a.Count, a.Where),
			Actual:   strconv.Itoa(n),
		}
	}
	return nil
}

func assertSession(i int, sessions []ir.Session, a Assertion) error {
	found := matching(sessions, a.Where)
	if len(found) != 1 {
		return &AssertionError{
			Index: i, Type: a.Type,
			Expected: fmt.Sprintf("exactly one session where %v", a.Where),
			Actual:   fmt.Sprintf("%d sessions", len(found)),
		}
	}
	fields := sessionFields(found[0])
	for k, want := range a.Expect {
		got, ok := fields[k]
		if !ok {
			return &AssertionError{Index: i, Type: a.Type, Expected: "a known session field", Actual: k}
		}
		if k == "duration" {
			if d, err := time.ParseDuration(want); err == nil {
				want = d.String()
			}
		}
		if got != want {
			return &AssertionError{
				Index: i, Type: a.Type,
				Expected: fmt.Sprintf("%s=%s", k, want),
				Actual:   fmt.Sprintf("%s=%s (session %s)", k, got, found[0].ID),
			}
		}
	}
	return nil
}

func (h *Harness) assertBucket(ctx context.Context, i int, a Assertion) error {
	category := ir.CategoryAttendance
	if a.Category != "" {
		c, err := ir.ParseCategory(a.Category)
		if err != nil {
			return &AssertionError{Index: i, Type: a.Type, Expected: "a valid category", Actual: a.Category}
		}
		category = c
	}
	g, err := ir.ParseGranularity(a.Granularity)
	if err != nil {
		return &AssertionError{Index: i, Type: a.Type, Expected: "a valid granularity", Actual: a.Granularity}
	}
	start, err := time.ParseInLocation(time.DateOnly, a.Period, h.loc)
	if err != nil {
		return &AssertionError{Index: i, Type: a.Type, Expected: "period as YYYY-MM-DD", Actual: a.Period}
	}

	buckets, err := h.tracker.Query(ctx, a.SubjectID, category, ir.PeriodRange{
		From: start, To: start.Add(time.Nanosecond), Granularity: g,
	})
	if err != nil || len(buckets) != 1 {
		return &AssertionError{Index: i, Type: a.Type, Expected: "one bucket", Actual: fmt.Sprintf("%d buckets, error %v", len(buckets), err)}
	}
	b := buckets[0]
	fields := map[string]string{
		"total":     b.TotalDuration.String(),
		"sessions":  strconv.Itoa(b.SessionCount),
		"anomalies": strconv.Itoa(b.AnomalyCount),
		"period":    b.PeriodKey,
	}
	for k, want := range a.Expect {
		got, ok := fields[k]
		if !ok {
			return &AssertionError{Index: i, Type: a.Type, Expected: "a known bucket field", Actual: k}
		}
		if k == "total" {
			if d, err := time.ParseDuration(want); err == nil {
				want = d.String()
			}
		}
		if got != want {
			return &AssertionError{Index: i, Type: a.Type, Expected: fmt.Sprintf("%s=%s", k, want), Actual: fmt.Sprintf("%s=%s", k, got)}
		}
	}
	return nil
}

func assertTransitionOrder(i int, trace []TraceEvent, a Assertion) error {
	var got []string
	for _, te := range trace {
		if te.Kind == KindEvent && te.Transition != "" {
			got = append(got, te.Transition)
		}
	}
	if strings.Join(got, ",") != strings.Join(a.Transitions, ",") {
		return &AssertionError{Index: i, Type: a.Type, Expected: fmt.Sprint(a.Transitions), Actual: fmt.Sprint(got)}
	}
	return nil
}

// matching returns the sessions whose fields equal every entry of where.
func matching(sessions []ir.Session, where map[string]string) []ir.Session {
	var out []ir.Session
	for _, s := range sessions {
		fields := sessionFields(s)
		ok := true
		for k, v := range where {
			if fields[k] != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

func sessionFields(s ir.Session) map[string]string {
	ended, duration := "", ""
	if s.EndedAt != nil {
		ended = formatTime(*s.EndedAt)
		duration = s.Duration().String()
	}
	return map[string]string{
		"id":               s.ID,
		"subject_id":       s.SubjectID,
		"category":         string(s.Category),
		"origin_id":        s.OriginID,
		"state":            string(s.State),
		"close_reason":     string(s.CloseReason),
		"anomaly":          string(s.Anomaly),
		"merged":           strconv.FormatBool(s.MergedInto != ""),
		"merged_into":      s.MergedInto,
		"started_at":       formatTime(s.StartedAt),
		"ended_at":         ended,
		"last_activity_at": formatTime(s.LastActivityAt),
		"duration":         duration,
	}
}
