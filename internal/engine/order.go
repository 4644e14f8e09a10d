package engine

import (
	"sort"
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// Less orders events by timestamp, then by sequence hint when both events
// carry one, then by ingestion order.
func Less(a, b ir.PresenceEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.SequenceHint != nil && b.SequenceHint != nil && *a.SequenceHint != *b.SequenceHint {
		return *a.SequenceHint < *b.SequenceHint
	}
	return a.IngestSeq < b.IngestSeq
}

// SortEvents sorts a batch in processing order. The sort is stable so
// events that compare equal keep their arrival order.
func SortEvents(events []ir.PresenceEvent) {
	sort.SliceStable(events, func(i, j int) bool { return Less(events[i], events[j]) })
}

// Reorderer absorbs bounded out-of-order delivery. It holds events until
// the newest timestamp seen is more than Window past them, or until more
// than MaxSize events are held, and releases them in Less order.
//
// Not safe for concurrent use; each consumer owns one.
type Reorderer struct {
	window  time.Duration
	maxSize int
	buf     []ir.PresenceEvent
	newest  time.Time
}

// NewReorderer creates a reorderer. A zero window releases every event
// immediately; maxSize <= 0 means no size bound.
func NewReorderer(window time.Duration, maxSize int) *Reorderer {
	return &Reorderer{window: window, maxSize: maxSize}
}

// Push adds an event and returns the events that are now safe to process.
func (r *Reorderer) Push(ev ir.PresenceEvent) []ir.PresenceEvent {
	if ev.Timestamp.After(r.newest) {
		r.newest = ev.Timestamp
	}
	r.buf = append(r.buf, ev)
	SortEvents(r.buf)

	cutoff := r.newest.Add(-r.window)
	n := 0
	for n < len(r.buf) && !r.buf[n].Timestamp.After(cutoff) {
		n++
	}
	if r.maxSize > 0 && len(r.buf)-n > r.maxSize {
		n = len(r.buf) - r.maxSize
	}
	return r.release(n)
}

// Flush releases everything held.
func (r *Reorderer) Flush() []ir.PresenceEvent {
	return r.release(len(r.buf))
}

// Len returns the number of held events.
func (r *Reorderer) Len() int { return len(r.buf) }

func (r *Reorderer) release(n int) []ir.PresenceEvent {
	if n == 0 {
		return nil
	}
	out := make([]ir.PresenceEvent, n)
	copy(out, r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}
