package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

// DevMode switches migration loading from the embedded copy to the
// working tree, so schema work doesn't need a rebuild per edit.
var DevMode = false

//go:embed migrations
var migrationsFS embed.FS

// getMigrationsFS returns the migration source: the embedded copy in
// production, the on-disk directory in DevMode.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		dir := "internal/db/migrations"
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("dev migrations directory not found: %w", err)
		}
		return os.DirFS(dir), nil
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return sub, nil
}
