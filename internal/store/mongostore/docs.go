package mongostore

import (
	"time"

	"github.com/roach88/timeledger/internal/ir"
)

// Instants are stored as Unix microseconds because BSON datetimes only
// keep milliseconds.

type eventDoc struct {
	ID           string `bson:"_id"`
	SubjectID    string `bson:"subject_id"`
	Source       string `bson:"source"`
	TS           int64  `bson:"ts"`
	OriginID     string `bson:"origin_id"`
	SequenceHint *int64 `bson:"sequence_hint,omitempty"`
	IngestedAt   int64  `bson:"ingested_at"`
	IngestSeq    int64  `bson:"ingest_seq"`
}

type sessionDoc struct {
	ID             string `bson:"_id"`
	SubjectID      string `bson:"subject_id"`
	Category       string `bson:"category"`
	OriginID       string `bson:"origin_id"`
	StartedAt      int64  `bson:"started_at"`
	EndedAt        *int64 `bson:"ended_at,omitempty"`
	LastActivityAt int64  `bson:"last_activity_at"`
	State          string `bson:"state"`
	CloseReason    string `bson:"close_reason,omitempty"`
	Anomaly        string `bson:"anomaly,omitempty"`
	EventID        string `bson:"event_id,omitempty"`
	MergedInto     string `bson:"merged_into,omitempty"`
	Revision       int64  `bson:"revision"`
	UpdatedAt      int64  `bson:"updated_at"`
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func instant(us int64) time.Time { return time.UnixMicro(us).UTC() }

func toEventDoc(e ir.PresenceEvent) eventDoc {
	return eventDoc{
		ID:           e.ID,
		SubjectID:    e.SubjectID,
		Source:       string(e.Source),
		TS:           micros(e.Timestamp),
		OriginID:     e.OriginID,
		SequenceHint: e.SequenceHint,
		IngestedAt:   micros(e.IngestedAt),
		IngestSeq:    e.IngestSeq,
	}
}

func (d eventDoc) event() ir.PresenceEvent {
	return ir.PresenceEvent{
		ID:           d.ID,
		SubjectID:    d.SubjectID,
		Source:       ir.Source(d.Source),
		Timestamp:    instant(d.TS),
		OriginID:     d.OriginID,
		SequenceHint: d.SequenceHint,
		IngestedAt:   instant(d.IngestedAt),
		IngestSeq:    d.IngestSeq,
	}
}

func toSessionDoc(s ir.Session) sessionDoc {
	d := sessionDoc{
		ID:             s.ID,
		SubjectID:      s.SubjectID,
		Category:       string(s.Category),
		OriginID:       s.OriginID,
		StartedAt:      micros(s.StartedAt),
		LastActivityAt: micros(s.LastActivityAt),
		State:          string(s.State),
		CloseReason:    string(s.CloseReason),
		Anomaly:        string(s.Anomaly),
		EventID:        s.EventID,
		MergedInto:     s.MergedInto,
		Revision:       s.Revision,
		UpdatedAt:      micros(s.UpdatedAt),
	}
	if s.EndedAt != nil {
		end := micros(*s.EndedAt)
		d.EndedAt = &end
	}
	return d
}

func (d sessionDoc) session() ir.Session {
	s := ir.Session{
		ID:             d.ID,
		SubjectID:      d.SubjectID,
		Category:       ir.Category(d.Category),
		OriginID:       d.OriginID,
		StartedAt:      instant(d.StartedAt),
		LastActivityAt: instant(d.LastActivityAt),
		State:          ir.SessionState(d.State),
		CloseReason:    ir.CloseReason(d.CloseReason),
		Anomaly:        ir.AnomalyKind(d.Anomaly),
		EventID:        d.EventID,
		MergedInto:     d.MergedInto,
		Revision:       d.Revision,
		UpdatedAt:      instant(d.UpdatedAt),
	}
	if d.EndedAt != nil {
		end := instant(*d.EndedAt)
		s.EndedAt = &end
	}
	return s
}
