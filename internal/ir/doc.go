// Package ir provides the shared entry and identity types for eventsync.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This ensures ir remains the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Entries are opaque ciphertext; nothing here decrypts or inspects them
//   - Ordering uses server-assigned sequences, never wall-clock timestamps
//   - Public keys are normalized once, at routing time
package ir
