// Package ir defines the presence ledger's data model.
//
// The types here are shared by every other package: raw presence events
// after normalization, the sessions the engine derives from them, and the
// aggregate buckets computed from sessions. The package also owns the error
// taxonomy surfaced at the ingestion and query boundaries.
//
// # Identity
//
// Events are content-addressed: PresenceEventID hashes the canonical JSON of
// the fields that make an event unique, so a redelivered or replayed event
// maps to the same ID and is absorbed by the append-only event log.
//
// Sessions carry random, time-sortable UUIDv7 identifiers assigned by the
// engine, plus a store-assigned Revision that increases on every write. The
// aggregator uses Revision as its incremental watermark.
//
// # Time
//
// All instants are UTC and truncated to microseconds (see Instant) so that
// values survive a round trip through every store backend unchanged.
package ir
