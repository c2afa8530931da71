package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/roach88/eventsync/internal/ir"
)

// insertBatchSQL appends a whole batch in one statement. The inner query
// collapses repeated ids to their first occurrence (bare columns follow
// MIN(j.key)), and ids already in the log are filtered out before the insert:
// an AUTOINCREMENT table spends a sequence on every candidate row, even one
// later dropped by ON CONFLICT, so only genuinely new entries may reach it.
// Rows are inserted in batch order so sequences follow the client's order.
// ON CONFLICT stays as a guard for the unique constraint.
const insertBatchSQL = `
	INSERT INTO entries (public_key, entry_id, iv, encrypted_entry)
	SELECT ?1,
	       unhex(b.id),
	       COALESCE(unhex(b.iv), x''),
	       COALESCE(unhex(b.data), x'')
	FROM (
		SELECT json_extract(j.value, '$.id')   AS id,
		       json_extract(j.value, '$.iv')   AS iv,
		       json_extract(j.value, '$.data') AS data,
		       MIN(j.key)                      AS first_key
		FROM json_each(?2) AS j
		GROUP BY json_extract(j.value, '$.id')
	) AS b
	WHERE NOT EXISTS (
		SELECT 1 FROM entries AS e
		WHERE e.public_key = ?1 AND e.entry_id = unhex(b.id)
	)
	ORDER BY b.first_key
	ON CONFLICT(public_key, entry_id) DO NOTHING
`

// selectBatchSQL reads back the persisted form of every batch member, in
// batch order. Duplicates resolve to the row written first.
const selectBatchSQL = `
	SELECT e.sequence, e.entry_id, e.iv, e.encrypted_entry
	FROM json_each(?) AS j
	JOIN entries AS e
	  ON e.public_key = ?
	 AND e.entry_id = unhex(json_extract(j.value, '$.id'))
	ORDER BY j.key
`

// batchMember is the JSON form of one entry inside a batch parameter.
// Binary fields are hex encoded for unhex() on the SQLite side.
type batchMember struct {
	ID   string `json:"id"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

// Write appends entries to the log of publicKey and returns their persisted
// form, one element per input entry in input order.
//
// The whole batch is inserted by a single statement: either every entry is
// assigned a sequence or none is. An entry whose id is already present is
// not inserted again; its element carries the sequence (and payload) that
// was persisted first. Each entry's own PublicKey field is ignored.
//
// Returns an empty slice (not nil) for an empty batch.
func (s *Store) Write(ctx context.Context, publicKey string, entries []ir.Entry) ([]ir.PersistedEntry, error) {
	if len(entries) == 0 {
		return []ir.PersistedEntry{}, nil
	}

	batch, err := marshalBatch(entries)
	if err != nil {
		return nil, fmt.Errorf("write entries: %w", err)
	}

	if _, err := s.db.Exec(ctx, insertBatchSQL, publicKey, batch); err != nil {
		return nil, fmt.Errorf("write entries: %w", err)
	}

	rows, err := s.db.ExecuteValues(ctx, selectBatchSQL, batch, publicKey)
	if err != nil {
		return nil, fmt.Errorf("write entries: read back: %w", err)
	}
	if len(rows) != len(entries) {
		return nil, fmt.Errorf("write entries: read back %d rows for %d entries", len(rows), len(entries))
	}

	persisted := make([]ir.PersistedEntry, 0, len(rows))
	for _, row := range rows {
		pe, err := scanEntry(publicKey, row)
		if err != nil {
			return nil, fmt.Errorf("write entries: %w", err)
		}
		persisted = append(persisted, pe)
	}

	return persisted, nil
}

func marshalBatch(entries []ir.Entry) (string, error) {
	members := make([]batchMember, len(entries))
	for i, e := range entries {
		members[i] = batchMember{
			ID:   hex.EncodeToString(e.EntryID[:]),
			IV:   hex.EncodeToString(e.IV),
			Data: hex.EncodeToString(e.EncryptedEntry),
		}
	}

	data, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	return string(data), nil
}
