package db

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand implements the daemon's `migrate` subcommand. The
// database opens without the automatic schema check, since the operator
// is about to manage the schema explicitly.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	migrationsFS, err := getMigrationsFS()
	if err != nil {
		log.Fatalf("Failed to load migration files: %v", err)
	}

	database, err := NewDBWithMigrationCheck(dbPath, false)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			log.Fatalf("Migrate up failed: %v", err)
		}
		version, dirty, _ := database.MigrateVersion(migrationsFS)
		log.Printf("✓ Schema is up to date (version %d, dirty %v)", version, dirty)

	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			log.Fatalf("Migrate down failed: %v", err)
		}
		version, dirty, _ := database.MigrateVersion(migrationsFS)
		log.Printf("✓ Rolled back one migration (version %d, dirty %v)", version, dirty)

	case "to":
		if len(args) < 2 {
			log.Fatal("Usage: loomscan migrate to <version>")
		}
		target, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			log.Fatalf("Invalid version %q: %v", args[1], err)
		}
		if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
			log.Fatalf("Migrate to %d failed: %v", target, err)
		}
		log.Printf("✓ Schema at version %d", target)

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: loomscan migrate force <version>")
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version %q: %v", args[1], err)
		}
		fmt.Printf("Forcing the recorded version to %d without running any SQL.\n", target)
		fmt.Print("Only do this to clear a dirty state. Continue? [y/N]: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			log.Println("Aborted")
			return
		}
		if err := database.MigrateForce(migrationsFS, target); err != nil {
			log.Fatalf("Force failed: %v", err)
		}
		log.Printf("✓ Version forced to %d", target)

	case "status":
		version, dirty, err := database.MigrateVersion(migrationsFS)
		if err != nil {
			log.Fatalf("Failed to read schema version: %v", err)
		}
		latest, err := LatestMigrationVersion(migrationsFS)
		if err != nil {
			log.Fatalf("Failed to scan migration files: %v", err)
		}
		fmt.Printf("Schema version: %d of %d\n", version, latest)
		fmt.Printf("Dirty: %v\n", dirty)
		if dirty {
			fmt.Println("\nA migration stopped part-way. Inspect the database, repair")
			fmt.Println("by hand, then run: loomscan migrate force <version>")
		} else if version < latest {
			fmt.Printf("\n%d migration(s) pending. Run: loomscan migrate up\n", latest-version)
		}

	case "help":
		PrintMigrateHelp()

	default:
		fmt.Fprintf(os.Stderr, "migrate: no such action %q\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

// PrintMigrateHelp lists the migrate subcommands.
func PrintMigrateHelp() {
	fmt.Println("Usage: loomscan migrate <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up           Apply all pending migrations")
	fmt.Println("  down         Roll back the most recent migration")
	fmt.Println("  to <N>       Migrate up or down to version N")
	fmt.Println("  status       Show applied vs available schema versions")
	fmt.Println("  force <N>    Overwrite the recorded version (dirty-state recovery)")
	fmt.Println("  help         Show this help")
	fmt.Println()
	fmt.Println("The database path comes from the daemon's -db flag.")
}
