// Package sqlmigrate applies numbered schema migrations to the edge's local
// SQLite databases (the event log today), tracking the applied version in
// PRAGMA user_version.
package sqlmigrate

import (
	"database/sql"
	"fmt"
)

// Apply runs the pending tail of migrations against db. Migrations are
// numbered from 1 and each runs in its own transaction; PRAGMA user_version
// is bumped inside that transaction, so a crash can never leave the version
// ahead of the schema.
func Apply(db *sql.DB, migrations []func(*sql.Tx) error) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlmigrate: reading schema version: %w", err)
	}
	for i, fn := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlmigrate: migration %d: begin: %w", version, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlmigrate: migration %d: %w", version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlmigrate: migration %d: setting version: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlmigrate: migration %d: commit: %w", version, err)
		}
	}
	return nil
}
