package engine

import (
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// Default thresholds.
const (
	DefaultIdleAttendance  = 12 * time.Hour
	DefaultIdleUtilization = 30 * time.Minute
)

// Policy holds the inactivity rules shared by the engine and the resolver.
type Policy struct {
	IdleAttendance  time.Duration
	IdleUtilization time.Duration

	// Grace is added on top of the idle threshold when a session is closed
	// by inference.
	Grace time.Duration
}

// DefaultPolicy returns the default thresholds with zero grace.
func DefaultPolicy() Policy {
	return Policy{
		IdleAttendance:  DefaultIdleAttendance,
		IdleUtilization: DefaultIdleUtilization,
	}
}

// IdleFor returns the idle threshold of a category.
func (p Policy) IdleFor(c ir.Category) time.Duration {
	if c == ir.CategoryUtilization {
		return p.IdleUtilization
	}
	return p.IdleAttendance
}

// Stale reports whether an open session has been idle past its threshold
// at instant now.
func (p Policy) Stale(s ir.Session, now time.Time) bool {
	return s.IsOpen() && s.LastActivityAt.Add(p.IdleFor(s.Category)).Before(now)
}

// InferredEnd is where a stale session ends: last activity plus the idle
// threshold plus grace, never later than limit.
func (p Policy) InferredEnd(s ir.Session, limit time.Time) time.Time {
	end := s.LastActivityAt.Add(p.IdleFor(s.Category) + p.Grace)
	if !limit.IsZero() && end.After(limit) {
		end = limit
	}
	if end.Before(s.StartedAt) {
		end = s.StartedAt
	}
	return end
}

// CloseInferred returns s closed as TIMEOUT_INFERRED.
func (p Policy) CloseInferred(s ir.Session, limit, now time.Time) ir.Session {
	return CloseSession(s, p.InferredEnd(s, limit), ir.CloseTimeoutInferred, now)
}

// CloseSession returns a closed copy of s. TIMEOUT_INFERRED yields the
// CLOSED_INFERRED state; every other reason yields CLOSED.
func CloseSession(s ir.Session, end time.Time, reason ir.CloseReason, now time.Time) ir.Session {
	c := s.Clone()
	if end.Before(c.StartedAt) {
		end = c.StartedAt
	}
	c.EndedAt = &end
	c.CloseReason = reason
	c.State = ir.StateClosed
	if reason == ir.CloseTimeoutInferred {
		c.State = ir.StateClosedInferred
	}
	c.UpdatedAt = now
	return c
}
