// Package engine reconciles normalized presence events into sessions.
//
// Each (subject, category, origin) key runs a two-state machine,
// NO_SESSION and OPEN, driven by the table in transition.go:
//
//	NO_SESSION + LOGIN/ACTIVE  -> open a session
//	NO_SESSION + LOGOUT/IDLE   -> orphan anomaly record
//	OPEN       + LOGIN/ACTIVE  -> extend last activity
//	OPEN       + LOGOUT/IDLE   -> close, EXPLICIT_LOGOUT
//
// Before the table applies, the engine drops duplicates, records events
// older than the key's closed-session watermark as LATE_EVENT anomalies, and
// closes an open session that has been idle past its threshold. A LOGIN also
// supersedes open attendance sessions of the same subject on other origins.
//
// Events for one key serialize on a keylock.Locker; a decision touching
// several keys (supersede) locks them all in sorted order. Every decision is
// written as a single ledger.Batch.
package engine
