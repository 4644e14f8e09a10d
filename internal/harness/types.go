package harness

import "github.com/roach88/timeledger/internal/ir"

// Step kinds recorded in the trace.
const (
	KindEvent   = "event"
	KindClock   = "clock"
	KindResolve = "resolve"
	KindRecover = "recover"
)

// TraceEvent records what one step did.
type TraceEvent struct {
	Step int    `json:"step"`
	Kind string `json:"kind"`

	// Event steps.
	Source     string   `json:"source,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	OriginID   string   `json:"origin_id,omitempty"`
	Transition string   `json:"transition,omitempty"`
	Anomaly    string   `json:"anomaly,omitempty"`
	Duplicate  bool     `json:"duplicate,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Closed     []string `json:"closed,omitempty"`
	Error      string   `json:"error,omitempty"`

	// Clock steps.
	Now string `json:"now,omitempty"`

	// Resolve and recover steps.
	ClosedCount    int `json:"closed_count,omitempty"`
	MergedCount    int `json:"merged_count,omitempty"`
	RecoveredCount int `json:"recovered_count,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// Sessions is the final ledger ordered by start.
	Sessions []ir.Session `json:"sessions"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
