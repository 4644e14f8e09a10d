package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/timeledger/internal/ir"
)

// Snapshot renders a result as canonical JSON lines: one per trace step
// under "# trace", then one per session under "# sessions".
func Snapshot(result *Result) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("# trace\n")
	for _, te := range result.Trace {
		line, err := ir.MarshalCanonical(traceMap(te))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteString("# sessions\n")
	for _, s := range result.Sessions {
		line, err := ir.MarshalCanonical(sessionMap(s))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func traceMap(te TraceEvent) map[string]any {
	m := map[string]any{"step": te.Step, "kind": te.Kind}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("source", te.Source)
	put("timestamp", te.Timestamp)
	put("origin", te.OriginID)
	put("transition", te.Transition)
	put("anomaly", te.Anomaly)
	put("session", te.SessionID)
	put("error", te.Error)
	put("now", te.Now)
	if te.Duplicate {
		m["duplicate"] = true
	}
	if len(te.Closed) > 0 {
		closed := make([]any, len(te.Closed))
		for i, id := range te.Closed {
			closed[i] = id
		}
		m["closed"] = closed
	}
	if te.ClosedCount > 0 {
		m["closed_count"] = te.ClosedCount
	}
	if te.MergedCount > 0 {
		m["merged_count"] = te.MergedCount
	}
	if te.RecoveredCount > 0 {
		m["recovered_count"] = te.RecoveredCount
	}
	return m
}

func sessionMap(s ir.Session) map[string]any {
	m := map[string]any{
		"id":       s.ID,
		"subject":  s.SubjectID,
		"category": string(s.Category),
		"origin":   s.OriginID,
		"state":    string(s.State),
		"start":    formatTime(s.StartedAt),
		"last":     formatTime(s.LastActivityAt),
	}
	if s.EndedAt != nil {
		m["end"] = formatTime(*s.EndedAt)
	}
	if s.CloseReason != "" {
		m["reason"] = string(s.CloseReason)
	}
	if s.Anomaly != "" {
		m["anomaly"] = string(s.Anomaly)
	}
	if s.MergedInto != "" {
		m["merged_into"] = s.MergedInto
	}
	return m
}

// RunWithGolden runs scenario, fails t on any scenario error, and compares
// the snapshot with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snap, err := Snapshot(result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snap)
	return nil
}
