// Package normalize validates and canonicalizes raw presence events.
//
// Normalization is the only place malformed input is rejected. Everything
// downstream may assume a well-formed event, but must not assume any
// delivery order: the normalizer neither sorts nor buffers.
package normalize

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/timeledger/internal/ir"
)

// DefaultSkewWindow bounds how far an event timestamp may drift from the
// ingestion clock in either direction.
const DefaultSkewWindow = 5 * time.Minute

// UnknownOrigin is assigned to events that do not name their producer.
const UnknownOrigin = "unknown"

// RawEvent is a presence signal as received from a collector.
type RawEvent struct {
	SubjectID    string    `json:"subject_id" yaml:"subject_id"`
	Source       string    `json:"source" yaml:"source"`
	Timestamp    time.Time `json:"timestamp" yaml:"timestamp"`
	OriginID     string    `json:"origin_id" yaml:"origin_id"`
	SequenceHint *int64    `json:"sequence_hint,omitempty" yaml:"sequence_hint,omitempty"`
}

// Normalizer turns RawEvents into ir.PresenceEvents.
//
// Thread-safety: safe for concurrent use. IngestSeq values are unique and
// increase in call order.
type Normalizer struct {
	clock quartz.Clock
	skew  time.Duration
	seq   atomic.Int64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithSkewWindow overrides the accepted clock skew. Zero disables the check,
// which is how historical imports and replays are run.
func WithSkewWindow(d time.Duration) Option {
	return func(n *Normalizer) { n.skew = d }
}

// WithClock overrides the ingestion clock (tests use quartz.NewMock).
func WithClock(c quartz.Clock) Option {
	return func(n *Normalizer) { n.clock = c }
}

// New creates a Normalizer with the default skew window and a real clock.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{clock: quartz.NewReal(), skew: DefaultSkewWindow}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize validates raw and returns the canonical event, or an
// ir.ValidationError describing the first problem found.
func (n *Normalizer) Normalize(raw RawEvent) (ir.PresenceEvent, error) {
	subject := canonicalID(raw.SubjectID)
	if subject == "" {
		return ir.PresenceEvent{}, ir.NewValidationError("subject_id", "must not be empty")
	}

	source, err := ir.ParseSource(raw.Source)
	if err != nil {
		return ir.PresenceEvent{}, ir.NewValidationError("source", err.Error())
	}

	if raw.Timestamp.IsZero() {
		return ir.PresenceEvent{}, ir.NewValidationError("timestamp", "must be set")
	}

	now := n.clock.Now("normalize")
	ts := ir.Instant(raw.Timestamp)
	if n.skew > 0 {
		drift := ts.Sub(now)
		if drift > n.skew || drift < -n.skew {
			return ir.PresenceEvent{}, ir.NewValidationError("timestamp",
				"outside accepted skew window of "+n.skew.String()+" (drift "+drift.Round(time.Second).String()+")")
		}
	}

	origin := canonicalID(raw.OriginID)
	if origin == "" {
		origin = UnknownOrigin
	}

	ev := ir.PresenceEvent{
		SubjectID:    subject,
		Source:       source,
		Timestamp:    ts,
		OriginID:     origin,
		SequenceHint: raw.SequenceHint,
		IngestedAt:   ir.Instant(now),
		IngestSeq:    n.seq.Add(1),
	}
	ev.ID, err = ir.PresenceEventID(ev)
	if err != nil {
		return ir.PresenceEvent{}, ir.NewValidationError("event", err.Error())
	}
	return ev, nil
}

// canonicalID trims and NFC-normalizes an identifier so visually identical
// ids from different producers compare equal.
func canonicalID(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
