package store

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/roach88/eventsync/internal/ir"
)

// Entries returns every entry of publicKey with sequence >= startSequence,
// ordered by sequence.
//
// Returns an empty slice (not nil) if no entries match.
func (s *Store) Entries(ctx context.Context, publicKey string, startSequence uint64) ([]ir.PersistedEntry, error) {
	entries := []ir.PersistedEntry{}

	// Sequences are SQLite integers; nothing can sit above MaxInt64.
	if startSequence > math.MaxInt64 {
		return entries, nil
	}

	rows := s.db.ExecuteStream(ctx, `
		SELECT sequence, entry_id, iv, encrypted_entry
		FROM entries
		WHERE public_key = ? AND sequence >= ?
		ORDER BY sequence ASC
	`, publicKey, int64(startSequence))

	for row, err := range rows {
		if err != nil {
			return nil, fmt.Errorf("read entries: %w", err)
		}
		pe, err := scanEntry(publicKey, []any{
			row["sequence"], row["entry_id"], row["iv"], row["encrypted_entry"],
		})
		if err != nil {
			return nil, fmt.Errorf("read entries: %w", err)
		}
		entries = append(entries, pe)
	}

	return entries, nil
}

// LastSequence returns the highest sequence persisted for publicKey, or 0
// when the partition is empty.
func (s *Store) LastSequence(ctx context.Context, publicKey string) (uint64, error) {
	rows, err := s.db.ExecuteValues(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM entries WHERE public_key = ?
	`, publicKey)
	if err != nil {
		return 0, fmt.Errorf("read last sequence: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	seq, ok := rows[0][0].(int64)
	if !ok || seq < 0 {
		return 0, fmt.Errorf("read last sequence: unexpected value %v", rows[0][0])
	}
	return uint64(seq), nil
}

// scanEntry converts (sequence, entry_id, iv, encrypted_entry) values into
// a PersistedEntry.
func scanEntry(publicKey string, vals []any) (ir.PersistedEntry, error) {
	if len(vals) != 4 {
		return ir.PersistedEntry{}, fmt.Errorf("scan entry: got %d columns, want 4", len(vals))
	}

	seq, ok := vals[0].(int64)
	if !ok || seq <= 0 {
		return ir.PersistedEntry{}, fmt.Errorf("scan entry: invalid sequence %v", vals[0])
	}

	entryID, err := uuid.FromBytes(asBytes(vals[1]))
	if err != nil {
		return ir.PersistedEntry{}, fmt.Errorf("scan entry %d: entry id: %w", seq, err)
	}

	iv := asBytes(vals[2])
	if iv == nil {
		iv = []byte{}
	}
	data := asBytes(vals[3])
	if data == nil {
		data = []byte{}
	}

	return ir.PersistedEntry{
		Entry: ir.Entry{
			EntryID:        entryID,
			PublicKey:      publicKey,
			IV:             iv,
			EncryptedEntry: data,
		},
		Sequence: uint64(seq),
	}, nil
}
