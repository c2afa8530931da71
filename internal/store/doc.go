// Package store provides SQLite-backed durable storage for eventsync
// append logs.
//
// The store implements an append-only log with:
//   - Entries: encrypted client events with a server-assigned sequence
//   - Remote ID: the stable identity of this storage instance
//
// # Critical Patterns
//
// Idempotent Writes
//   - UNIQUE(public_key, entry_id) constraint
//   - A retried entry id returns its originally persisted sequence
//
// Transactionless Atomicity
//   - The adapter has no transactions, so a whole batch is inserted by ONE
//     compound statement (INSERT ... SELECT FROM json_each)
//   - SQLite applies a single statement atomically: all rows or none
//
// Ordering
//   - sequence is INTEGER PRIMARY KEY AUTOINCREMENT: strictly increasing,
//     never reused, assigned in batch order
//   - All range reads use ORDER BY sequence ASC
package store
