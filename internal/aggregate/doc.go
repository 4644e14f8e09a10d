// Package aggregate derives per-period totals from the session ledger.
//
// Buckets are cache entries: they can always be rebuilt from sessions.
// Recompute scans a period from scratch; Update folds in only sessions
// written since the bucket's revision and falls back to Recompute when a
// session it already counted has changed. Query walks a range of periods
// and writes a bucket to the cache only once it is fully computed.
package aggregate
