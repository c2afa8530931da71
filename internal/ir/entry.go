package ir

import (
	"github.com/google/uuid"
)

// EntryID is the client-generated identifier of an entry.
// Unique per public key; retries reuse it so writes are idempotent.
type EntryID = uuid.UUID

// Entry is one encrypted event submitted by a client.
// The server never looks inside IV or EncryptedEntry.
type Entry struct {
	EntryID        EntryID `json:"entry_id"`
	PublicKey      string  `json:"public_key"`
	IV             []byte  `json:"iv"`
	EncryptedEntry []byte  `json:"encrypted_entry"`
}

// PersistedEntry is an Entry after it has been durably appended.
// Sequence is assigned by the server, strictly increasing within a
// public key partition, and never reused.
type PersistedEntry struct {
	Entry
	Sequence uint64 `json:"sequence"`
}

// RemoteID identifies one log storage instance. Clients use it to tell
// servers apart across reconnects.
type RemoteID [16]byte

// NewRemoteID returns a fresh random RemoteID.
func NewRemoteID() RemoteID {
	return RemoteID(uuid.New())
}

// String returns the hyphenated UUID form.
func (r RemoteID) String() string {
	return uuid.UUID(r).String()
}

// IsZero reports whether r is the zero value.
func (r RemoteID) IsZero() bool {
	return r == RemoteID{}
}
