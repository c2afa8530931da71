package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	for _, table := range []string{"entries", "remote_id"} {
		rows, err := s.db.ExecuteValues(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		if err != nil {
			t.Fatalf("query sqlite_master: %v", err)
		}
		if len(rows) != 1 {
			t.Errorf("table %q not found after idempotent opens", table)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/test.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestOpen_SetsSchemaVersion(t *testing.T) {
	s := createTestStore(t)

	rows, err := s.db.ExecuteValues(context.Background(), "PRAGMA user_version")
	if err != nil {
		t.Fatalf("PRAGMA user_version failed: %v", err)
	}
	if got := rows[0][0]; got != int64(currentSchemaVersion) {
		t.Errorf("user_version = %v, want %d", got, currentSchemaVersion)
	}
}

func TestOpen_CreatesRangeIndex(t *testing.T) {
	s := createTestStore(t)

	rows, err := s.db.ExecuteValues(context.Background(),
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_entries_public_key_sequence'")
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if len(rows) != 1 {
		t.Error("range index not created")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestID_CreatedOnFirstAccess(t *testing.T) {
	s := createTestStore(t)

	id, err := s.ID(context.Background())
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}
	if id.IsZero() {
		t.Fatal("ID() returned zero id")
	}

	again, err := s.ID(context.Background())
	if err != nil {
		t.Fatalf("second ID() failed: %v", err)
	}
	if again != id {
		t.Errorf("ID() changed between calls: %s != %s", again, id)
	}
}

func TestID_StableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	id1, err := s1.ID(ctx)
	if err != nil {
		t.Fatalf("ID() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	id2, err := s2.ID(ctx)
	if err != nil {
		t.Fatalf("ID() after reopen failed: %v", err)
	}

	if id1 != id2 {
		t.Errorf("remote id not stable across reopen: %s != %s", id1, id2)
	}
}

func TestID_DistinctPerStorage(t *testing.T) {
	a := createTestStore(t)
	b := createTestStore(t)
	ctx := context.Background()

	idA, err := a.ID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	idB, err := b.ID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if idA == idB {
		t.Error("two storages share a remote id")
	}
}

func TestID_FailsOnClosedStore(t *testing.T) {
	s := createTestStore(t)
	s.Close()

	if _, err := s.ID(context.Background()); err == nil {
		t.Error("expected error from closed store")
	}
}
