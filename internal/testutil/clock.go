// Package testutil holds deterministic helpers shared by tests and the
// scenario harness.
package testutil

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

// FrozenClock is a quartz.Clock whose Now only moves when told to.
//
// Unlike quartz.Mock it needs no testing.TB, so the harness can drive it
// from the CLI. Timers and tickers are delegated to the real clock; code
// under a FrozenClock must not rely on them firing in step with Now.
//
// Thread-safety: all methods are safe for concurrent use.
type FrozenClock struct {
	quartz.Clock

	mu  sync.Mutex
	now time.Time
}

var _ quartz.Clock = (*FrozenClock)(nil)

// NewFrozenClock creates a clock that reads start until moved.
func NewFrozenClock(start time.Time) *FrozenClock {
	return &FrozenClock{Clock: quartz.NewReal(), now: start}
}

// Now returns the frozen time.
func (c *FrozenClock) Now(...string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Since returns Now()-t.
func (c *FrozenClock) Since(t time.Time, _ ...string) time.Duration {
	return c.Now().Sub(t)
}

// Until returns t-Now().
func (c *FrozenClock) Until(t time.Time, _ ...string) time.Duration {
	return t.Sub(c.Now())
}

// Set moves the clock to t. Moving backwards is allowed.
func (c *FrozenClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and returns the new time.
func (c *FrozenClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
