// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/calstore/mkcal/internal/storeerr"
)

// migration applies one schema change, identified by the version it
// upgrades the database to.
type migration struct {
	toVersion int
	name      string
	apply     func(*sql.DB) error
}

// migrationsList is the ordered list of schema upgrades. Empty today
// (currentSchemaVersion == 1 is the baseline this engine ships with);
// future schema changes append here rather than editing schema.go's
// CREATE TABLE statements in place.
var migrationsList []migration

// runMigrations brings a database from whatever version it is at up to
// currentSchemaVersion, inside one EXCLUSIVE transaction so concurrent
// openers can't race on the version check. Refuses to proceed if the
// on-disk version is newer than this build knows about.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("%w: applying base schema: %v", storeerr.ErrIOFailure, err)
	}

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("%w: acquiring exclusive migration lock: %v", storeerr.ErrIOFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	version, err := readSchemaVersionTx(db)
	if err != nil {
		return err
	}
	if version == 0 {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return fmt.Errorf("%w: seeding schema_version: %v", storeerr.ErrIOFailure, err)
		}
		version = currentSchemaVersion
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: database is at schema version %d, this build supports up to %d",
			storeerr.ErrSchemaMismatch, version, currentSchemaVersion)
	}

	for _, m := range migrationsList {
		if version >= m.toVersion {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %q failed: %w", m.name, err)
		}
		if _, err := db.Exec("UPDATE schema_version SET version = ?", m.toVersion); err != nil {
			return fmt.Errorf("%w: recording migration %q: %v", storeerr.ErrIOFailure, m.name, err)
		}
		version = m.toVersion
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("%w: committing migrations: %v", storeerr.ErrIOFailure, err)
	}
	committed = true
	return nil
}

func readSchemaVersionTx(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading schema_version: %v", storeerr.ErrIOFailure, err)
	}
	return version, nil
}
