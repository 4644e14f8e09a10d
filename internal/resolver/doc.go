// Package resolver is the gap and anomaly pass over the session ledger.
//
// A pass closes OPEN sessions idle past their category threshold, merges
// sessions of one key separated by less than the merge threshold, and on
// restart closes sessions orphaned by a crash. It runs on a ticker, on
// demand before queries, or once at startup (Recover). Only one pass runs at
// a time; every mutation takes the same key locks as the engine and is
// committed as one batch.
package resolver
