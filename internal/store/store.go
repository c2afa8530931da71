package store

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/sqladapter"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (public_key, sequence) index for range reads
const currentSchemaVersion = 1

// Store provides durable storage for one append log partition.
type Store struct {
	db *sqladapter.DB

	mu       sync.Mutex
	remoteID ir.RemoteID
}

// Open creates or opens the append log database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sqladapter.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := applySchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ID returns the stable identifier of this storage instance, creating and
// persisting it on first access.
//
// The insert uses ON CONFLICT DO NOTHING and the id is re-read afterwards,
// so two stores racing on the same file agree on one id.
func (s *Store) ID(ctx context.Context) (ir.RemoteID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.remoteID.IsZero() {
		return s.remoteID, nil
	}

	id, ok, err := s.readRemoteID(ctx)
	if err != nil {
		return ir.RemoteID{}, err
	}
	if !ok {
		fresh := ir.NewRemoteID()
		if _, err := s.db.Exec(ctx, `
			INSERT INTO remote_id (singleton, id) VALUES (1, ?)
			ON CONFLICT(singleton) DO NOTHING
		`, fresh[:]); err != nil {
			return ir.RemoteID{}, fmt.Errorf("create remote id: %w", err)
		}

		id, ok, err = s.readRemoteID(ctx)
		if err != nil {
			return ir.RemoteID{}, err
		}
		if !ok {
			return ir.RemoteID{}, fmt.Errorf("remote id missing after insert")
		}
	}

	s.remoteID = id
	return id, nil
}

func (s *Store) readRemoteID(ctx context.Context) (ir.RemoteID, bool, error) {
	rows, err := s.db.ExecuteValues(ctx, `SELECT id FROM remote_id WHERE singleton = 1`)
	if err != nil {
		return ir.RemoteID{}, false, fmt.Errorf("read remote id: %w", err)
	}
	if len(rows) == 0 {
		return ir.RemoteID{}, false, nil
	}

	raw := asBytes(rows[0][0])
	if len(raw) != len(ir.RemoteID{}) {
		return ir.RemoteID{}, false, fmt.Errorf("read remote id: stored id has %d bytes, want %d", len(raw), len(ir.RemoteID{}))
	}

	var id ir.RemoteID
	copy(id[:], raw)
	return id, true, nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sqladapter.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(ctx context.Context, db *sqladapter.DB) error {
	rows, err := db.ExecuteValues(ctx, "PRAGMA user_version")
	if err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	var version int64
	if len(rows) > 0 {
		version, _ = rows[0][0].(int64)
	}

	if version < 1 {
		if err := migrateToV1(ctx, db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the range-read index.
func migrateToV1(ctx context.Context, db *sqladapter.DB) error {
	_, err := db.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_entries_public_key_sequence
		ON entries(public_key, sequence)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// asBytes converts a scanned column value to a byte slice.
// The adapter already copies driver buffers, so no further copy is needed.
func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}
