// Package ledger is the persistent dedup ledger: the record of every item that
// has already been announced, plus a small key-value state table for the
// sync cursor and OAuth tokens.
//
// Queries and upserts are chunked so no statement exceeds a bounded number of
// parameters regardless of how many items a fetch returns.
package ledger
