// Package store provides SQLite-backed durable storage for the presence
// ledger.
//
// The store holds two logical collections:
//   - events: the append-only log of normalized presence events, keyed by
//     their content-addressed id (a redelivered event is a no-op)
//   - sessions: the session ledger, mutated only through Commit
//
// plus an optional buckets table that can serve as the aggregate cache.
//
// # Invariants
//
// Commit runs ledger.CheckBatch inside the write transaction, and a partial
// UNIQUE index on (subject_id, category, origin_id) WHERE state = 'OPEN'
// backs the one-open-session-per-key rule at the storage level. A CHECK
// constraint keeps ended_at >= started_at.
//
// All instants are stored as INTEGER Unix microseconds in UTC. Reads order
// deterministically: sessions by started_at, id; events by ts, ingest_seq.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
