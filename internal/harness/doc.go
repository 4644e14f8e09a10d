// Package harness runs YAML reconciliation scenarios against a fresh
// in-memory tracker and checks the resulting ledger.
//
// # Scenario Format
//
//	name: scenario_a_full_day
//	description: "login then logout on one origin"
//	start: 2026-10-12T08:00:00Z
//	policy:
//	  idle_attendance: 12h
//	steps:
//	  - event: {subject_id: alice, source: USER_LOGIN, timestamp: 2026-10-12T09:00:00Z, origin_id: laptop}
//	    expect: {transition: open}
//	  - clock: 2026-10-13T00:00:00Z
//	  - resolve: true
//	assertions:
//	  - type: session_count
//	    where: {subject_id: alice, state: CLOSED}
//	    count: 1
//	  - type: session
//	    where: {origin_id: laptop}
//	    expect: {ended_at: 2026-10-12T17:00:00Z, duration: 8h}
//	  - type: bucket
//	    subject_id: alice
//	    category: ATTENDANCE
//	    period: 2026-10-12
//	    expect: {total: 8h, sessions: 1, anomalies: 0}
//	  - type: transition_order
//	    transitions: [open, close]
//
// # Steps
//
// Each step does exactly one thing:
//
//   - event: ingest a raw event; expect optionally checks transition,
//     anomaly, duplicate or error code
//   - clock: set the clock
//   - advance: move the clock forward
//   - resolve: run one resolver pass
//   - recover: close sessions left open before the given instant
//
// # Determinism
//
// Runs use a testutil.FrozenClock starting at the scenario's start time,
// session ids "s-1", "s-2", ... in creation order, no skew window and no
// automatic resolver passes. The same scenario always produces the same
// trace and ledger, which RunWithGolden compares against
// testdata/golden/<name>.golden.
package harness
