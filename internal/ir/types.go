package ir

import (
	"fmt"
	"strings"
	"time"
)

// Source is the kind of signal a presence event carries.
type Source string

const (
	SourceUserLogin     Source = "USER_LOGIN"
	SourceUserLogout    Source = "USER_LOGOUT"
	SourceMachineActive Source = "MACHINE_ACTIVE"
	SourceMachineIdle   Source = "MACHINE_IDLE"
)

// Sources lists every valid source in declaration order.
var Sources = []Source{SourceUserLogin, SourceUserLogout, SourceMachineActive, SourceMachineIdle}

// ParseSource parses a source name case-insensitively.
func ParseSource(s string) (Source, error) {
	candidate := Source(strings.ToUpper(strings.TrimSpace(s)))
	for _, src := range Sources {
		if src == candidate {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

// Category returns the session category the source contributes to.
func (s Source) Category() Category {
	switch s {
	case SourceMachineActive, SourceMachineIdle:
		return CategoryUtilization
	default:
		return CategoryAttendance
	}
}

// Opens reports whether the source starts (or keeps alive) a session.
// LOGIN and ACTIVE open; LOGOUT and IDLE close.
func (s Source) Opens() bool {
	return s == SourceUserLogin || s == SourceMachineActive
}

// Category separates attendance (user login/logout) from machine utilization.
type Category string

const (
	CategoryAttendance  Category = "ATTENDANCE"
	CategoryUtilization Category = "UTILIZATION"
)

// Categories lists every category in declaration order.
var Categories = []Category{CategoryAttendance, CategoryUtilization}

// ParseCategory parses a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToUpper(strings.TrimSpace(s))) {
	case CategoryAttendance:
		return CategoryAttendance, nil
	case CategoryUtilization:
		return CategoryUtilization, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// SessionState is the lifecycle state of a session record.
type SessionState string

const (
	StateOpen           SessionState = "OPEN"
	StateClosed         SessionState = "CLOSED"
	StateClosedInferred SessionState = "CLOSED_INFERRED"
	StateAnomalous      SessionState = "ANOMALOUS"
)

// ParseSessionState parses a state name case-insensitively.
func ParseSessionState(s string) (SessionState, error) {
	st := SessionState(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StateOpen, StateClosed, StateClosedInferred, StateAnomalous:
		return st, nil
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseExplicitLogout  CloseReason = "EXPLICIT_LOGOUT"
	CloseTimeoutInferred CloseReason = "TIMEOUT_INFERRED"
	CloseSuperseded      CloseReason = "SUPERSEDED"
	CloseSystemRecovery  CloseReason = "SYSTEM_RECOVERY"
)

// AnomalyKind classifies an ANOMALOUS audit record.
type AnomalyKind string

const (
	// AnomalyOrphanClose is a LOGOUT/IDLE with no open session.
	AnomalyOrphanClose AnomalyKind = "ORPHAN_CLOSE"
	// AnomalyLateEvent is an event older than the key's closed-session watermark.
	AnomalyLateEvent AnomalyKind = "LATE_EVENT"
	// AnomalyBeforeStart is an event older than the start of the open session.
	AnomalyBeforeStart AnomalyKind = "BEFORE_SESSION_START"
)

// MaxTime stands in for an unbounded upper limit.
var MaxTime = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Instant normalizes t to the precision and zone used throughout the ledger.
func Instant(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SessionKey identifies the unit of serialization: at most one OPEN session
// exists per key at any instant.
type SessionKey struct {
	SubjectID string
	Category  Category
	OriginID  string
}

// String renders the key for logs and lock maps.
func (k SessionKey) String() string {
	return joinKey(k.SubjectID, string(k.Category), k.OriginID)
}

var keyEscaper = strings.NewReplacer("%", "%25", "|", "%7C")

// joinKey joins parts with "|", escaping each part so distinct tuples
// never render the same.
func joinKey(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = keyEscaper.Replace(p)
	}
	return strings.Join(escaped, "|")
}

// PresenceEvent is a normalized, immutable presence signal.
type PresenceEvent struct {
	ID           string    `json:"id" bson:"_id"`
	SubjectID    string    `json:"subject_id" bson:"subject_id"`
	Source       Source    `json:"source" bson:"source"`
	Timestamp    time.Time `json:"timestamp" bson:"timestamp"`
	OriginID     string    `json:"origin_id" bson:"origin_id"`
	SequenceHint *int64    `json:"sequence_hint,omitempty" bson:"sequence_hint,omitempty"`
	IngestedAt   time.Time `json:"ingested_at" bson:"ingested_at"`
	IngestSeq    int64     `json:"ingest_seq" bson:"ingest_seq"`
}

// Key returns the session key the event is reconciled under.
func (e PresenceEvent) Key() SessionKey {
	return SessionKey{SubjectID: e.SubjectID, Category: e.Source.Category(), OriginID: e.OriginID}
}

// Session is one continuous presence interval, or an ANOMALOUS audit record.
type Session struct {
	ID             string       `json:"id" bson:"_id"`
	SubjectID      string       `json:"subject_id" bson:"subject_id"`
	Category       Category     `json:"category" bson:"category"`
	OriginID       string       `json:"origin_id" bson:"origin_id"`
	StartedAt      time.Time    `json:"started_at" bson:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty" bson:"ended_at,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at" bson:"last_activity_at"`
	State          SessionState `json:"state" bson:"state"`
	CloseReason    CloseReason  `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
	Anomaly        AnomalyKind  `json:"anomaly,omitempty" bson:"anomaly,omitempty"`
	EventID        string       `json:"event_id,omitempty" bson:"event_id,omitempty"`
	MergedInto     string       `json:"merged_into,omitempty" bson:"merged_into,omitempty"`
	Revision       int64        `json:"revision" bson:"revision"`
	UpdatedAt      time.Time    `json:"updated_at" bson:"updated_at"`
}

// Key returns the session's serialization key.
func (s Session) Key() SessionKey {
	return SessionKey{SubjectID: s.SubjectID, Category: s.Category, OriginID: s.OriginID}
}

// IsOpen reports whether the session is still accumulating time.
func (s Session) IsOpen() bool { return s.State == StateOpen }

// IsClosed reports whether the session reached a terminal, non-anomalous state.
func (s Session) IsClosed() bool {
	return s.State == StateClosed || s.State == StateClosedInferred
}

// Countable reports whether the session contributes to aggregate totals.
// Merge originals are excluded because the merge product covers them.
func (s Session) Countable() bool {
	return s.IsClosed() && s.MergedInto == "" && s.EndedAt != nil
}

// Duration returns EndedAt-StartedAt, or zero while the session is open.
func (s Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Clipped returns the part of the session inside [from, to).
func (s Session) Clipped(from, to time.Time) time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	start, end := s.StartedAt, *s.EndedAt
	if start.Before(from) {
		start = from
	}
	if end.After(to) {
		end = to
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Overlaps reports whether the session touches [from, to). Zero-length
// sessions overlap when their start lies inside the window.
func (s Session) Overlaps(from, to time.Time) bool {
	if s.StartedAt.Before(from) {
		if s.EndedAt == nil {
			return true
		}
		return s.EndedAt.After(from)
	}
	return s.StartedAt.Before(to)
}

// Clone returns a deep copy, so callers cannot alias EndedAt.
func (s Session) Clone() Session {
	c := s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}

// SessionFilter selects sessions for listing. Zero fields match everything.
type SessionFilter struct {
	SubjectID string
	Category  Category
	OriginID  string
	States    []SessionState
	// From/To select sessions overlapping [From, To).
	From time.Time
	To   time.Time
	// MinRevision selects sessions written at or after the revision.
	MinRevision int64
	// UpdatedSince selects sessions written at or after the instant.
	UpdatedSince time.Time
}

// Match reports whether the session satisfies the filter.
func (f SessionFilter) Match(s Session) bool {
	if f.SubjectID != "" && s.SubjectID != f.SubjectID {
		return false
	}
	if f.Category != "" && s.Category != f.Category {
		return false
	}
	if f.OriginID != "" && s.OriginID != f.OriginID {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if s.State == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		to := f.To
		if to.IsZero() {
			to = MaxTime
		}
		if !s.Overlaps(f.From, to) {
			return false
		}
	}
	if f.MinRevision > 0 && s.Revision < f.MinRevision {
		return false
	}
	if !f.UpdatedSince.IsZero() && s.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}

// EventFilter selects events from the append-only log.
type EventFilter struct {
	SubjectID string
	From      time.Time
	To        time.Time
	Limit     int
}
