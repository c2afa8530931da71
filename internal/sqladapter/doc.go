// Package sqladapter wraps an embedded SQLite database behind a small
// statement-execution contract used by the append log.
//
// The adapter offers three ways to run a statement:
//   - Execute: rows as column name to value maps
//   - ExecuteValues: rows as positional value slices
//   - ExecuteStream: a lazy, finite, single-use row sequence
//
// Transactions are NOT supported. SQLite commits each statement on its own
// and the append log relies on single compound statements plus the session
// actor's serialized access for atomicity. Asking for a transaction is a
// programming defect and fails with a DefectError.
//
// Binary columns are copied out of the driver's buffers before they are
// handed to callers; the driver may reuse those buffers once the cursor
// advances.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package sqladapter
