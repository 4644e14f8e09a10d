// Package mongostore implements ledger.Store on MongoDB.
//
// Sessions and events live in their own collections; a counters document
// carries the store-wide revision. Every Commit runs in a multi-document
// transaction, so the server must be a replica set (a single-node replica
// set is enough). A partial unique index on OPEN sessions backs the
// one-open-session-per-key rule.
package mongostore
