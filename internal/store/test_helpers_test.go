package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/roach88/eventsync/internal/ir"
)

const testPublicKey = "pk-test"

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates an entry with a deterministic id and payload.
func createTestEntry(n int) ir.Entry {
	return ir.Entry{
		EntryID:        testEntryID(n),
		PublicKey:      testPublicKey,
		IV:             []byte{0xAA, byte(n)},
		EncryptedEntry: []byte(fmt.Sprintf("ciphertext-%d", n)),
	}
}

// testEntryID derives a stable UUID from n so tests can name entries.
func testEntryID(n int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("entry-%d", n)))
}

func sequencesOf(entries []ir.PersistedEntry) []uint64 {
	seqs := make([]uint64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Sequence
	}
	return seqs
}
