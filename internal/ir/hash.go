package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPresenceEvent separates event hashes from any other hashed content.
const DomainPresenceEvent = "timeledger/presence-event/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PresenceEventID computes the content-addressed ID of an event.
//
// Ingestion metadata (IngestedAt, IngestSeq) is excluded: the ID names what
// happened, so a redelivered event collapses onto the original.
func PresenceEventID(e PresenceEvent) (string, error) {
	obj := map[string]any{
		"subject_id": e.SubjectID,
		"source":     string(e.Source),
		"timestamp":  Instant(e.Timestamp).UnixMicro(),
		"origin_id":  e.OriginID,
	}
	if e.SequenceHint != nil {
		obj["sequence_hint"] = *e.SequenceHint
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("PresenceEventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPresenceEvent, canonical), nil
}
