package db

import (
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "loomscan_test.db"))
	if err != nil {
		t.Fatalf("create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

// TestPragmasApplied checks the connection PRAGMAs on a fresh database.
func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}

	cases := []struct {
		pragma string
		want   int
	}{
		{"busy_timeout", 5000},
		{"synchronous", 1}, // NORMAL
		{"temp_store", 2},  // MEMORY
		{"foreign_keys", 1},
	}
	for _, tc := range cases {
		var got int
		if err := db.QueryRow("PRAGMA " + tc.pragma).Scan(&got); err != nil {
			t.Fatalf("query %s: %v", tc.pragma, err)
		}
		if got != tc.want {
			t.Errorf("%s = %d, want %d", tc.pragma, got, tc.want)
		}
	}
}

// TestNewDBCreatesSchema opens a fresh database and checks it lands on
// the latest schema version with every table present.
func TestNewDBCreatesSchema(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"scan_sessions", "strip_alignments", "scan_faults", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("table %s missing", table)
		}
	}

	migFS := openMigrations(t)

	latest, err := LatestMigrationVersion(migFS)
	if err != nil {
		t.Fatalf("LatestMigrationVersion: %v", err)
	}

	version, dirty := schemaVersion(t, db, migFS)
	if dirty {
		t.Error("fresh database reports a dirty schema")
	}
	if version != latest {
		t.Errorf("schema version = %d, want %d", version, latest)
	}
}

// TestReopenExistingDB reopens an already-migrated database, which must
// be a no-op, and checks the PRAGMAs come back.
func TestReopenExistingDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen_test.db")

	db1, err := NewDB(path)
	if err != nil {
		t.Fatalf("create database: %v", err)
	}
	db1.Close()

	db2, err := NewDB(path)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer db2.Close()

	var journalMode string
	if err := db2.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode after reopen = %s, want wal", journalMode)
	}
}
