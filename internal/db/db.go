// Package db persists scan sessions and per-strip alignment outcomes in
// SQLite. The schema is managed by embedded golang-migrate migrations;
// see migrations/README.md.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// connPragmas ride the DSN so every pooled connection gets them, not
// just the first one opened.
const connPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=busy_timeout(5000)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=temp_store(MEMORY)" +
	"&_pragma=foreign_keys(ON)"

// OpenDB opens the database at path and applies the connection pragmas.
// The schema is left alone; callers that need it current use NewDB.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, connPragmas))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{sqlDB}, nil
}

// NewDB opens the database and brings the schema up to the latest
// migration version.
func NewDB(path string) (*DB, error) {
	return NewDBWithMigrationCheck(path, true)
}

// NewDBWithMigrationCheck opens the database; with autoMigrate set,
// outstanding migrations are applied before returning. The migrate CLI
// opens with autoMigrate off so schema changes only happen when the
// operator asks for them.
func NewDBWithMigrationCheck(path string, autoMigrate bool) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		migFS, err := getMigrationsFS()
		if err != nil {
			db.Close()
			return nil, err
		}
		if err := db.MigrateUp(migFS); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return db, nil
}
