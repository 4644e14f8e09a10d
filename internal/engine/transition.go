package engine

import "github.com/roach88/timeledger/internal/ir"

// keyState is the per-key state of the session machine.
type keyState int

const (
	stateNoSession keyState = iota
	stateOpen
)

func (s keyState) String() string {
	if s == stateOpen {
		return "OPEN"
	}
	return "NO_SESSION"
}

// Transition names the action taken for one event.
type Transition string

const (
	// TransitionOpen starts a new session.
	TransitionOpen Transition = "open"
	// TransitionExtend moves LastActivityAt of the open session forward.
	TransitionExtend Transition = "extend"
	// TransitionClose ends the open session at the event timestamp.
	TransitionClose Transition = "close"
	// TransitionOrphan records a close signal with nothing to close.
	TransitionOrphan Transition = "orphan"
	// TransitionLate records an event older than the key's watermark.
	TransitionLate Transition = "late"
	// TransitionBeforeStart records an event older than the open session.
	TransitionBeforeStart Transition = "before_start"
	// TransitionDuplicate is a redelivered event; nothing changes.
	TransitionDuplicate Transition = "duplicate"
)

// transitions is the session state machine. Every (state, source) pair has
// exactly one entry.
var transitions = map[keyState]map[ir.Source]Transition{
	stateNoSession: {
		ir.SourceUserLogin:     TransitionOpen,
		ir.SourceMachineActive: TransitionOpen,
		ir.SourceUserLogout:    TransitionOrphan,
		ir.SourceMachineIdle:   TransitionOrphan,
	},
	stateOpen: {
		ir.SourceUserLogin:     TransitionExtend,
		ir.SourceMachineActive: TransitionExtend,
		ir.SourceUserLogout:    TransitionClose,
		ir.SourceMachineIdle:   TransitionClose,
	},
}

// nextTransition looks up the table. The second result is false for a
// source the table does not know.
func nextTransition(state keyState, src ir.Source) (Transition, bool) {
	t, ok := transitions[state][src]
	return t, ok
}

// anomalyFor maps the anomaly-producing transitions to their kind.
func anomalyFor(t Transition) ir.AnomalyKind {
	switch t {
	case TransitionOrphan:
		return ir.AnomalyOrphanClose
	case TransitionLate:
		return ir.AnomalyLateEvent
	case TransitionBeforeStart:
		return ir.AnomalyBeforeStart
	}
	return ""
}
