package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/roach88/offq/internal/op"
)

//go:embed schema.sql
var schemaSQLite string

//go:embed schema_postgres.sql
var schemaPostgres string

// SchemaVersion is the newest on-disk layout this build understands.
const SchemaVersion = op.RecordVersion

type migration struct {
	version  int
	sqlite   string
	postgres string
}

// migrations upgrade a version-1 table one step at a time.
var migrations = []migration{
	{
		version:  2,
		sqlite:   `ALTER TABLE offq_operations ADD COLUMN last_error TEXT NOT NULL DEFAULT ''`,
		postgres: `ALTER TABLE offq_operations ADD COLUMN IF NOT EXISTS last_error TEXT NOT NULL DEFAULT ''`,
	},
	{
		version:  3,
		sqlite:   `ALTER TABLE offq_operations ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`,
		postgres: `ALTER TABLE offq_operations ADD COLUMN IF NOT EXISTS fingerprint TEXT NOT NULL DEFAULT ''`,
	},
}

// applySchema brings the database up to SchemaVersion.
func applySchema(ctx context.Context, db *sql.DB, d dialect) error {
	version, err := readVersion(ctx, db, d)
	if err != nil {
		return err
	}
	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}

	if version == 0 {
		base := schemaSQLite
		if d == dialectPostgres {
			base = schemaPostgres
		}
		if err := migrateStep(ctx, db, d, 1, base); err != nil {
			return fmt.Errorf("failed to create base schema: %w", err)
		}
		version = 1
	}

	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		stmt := m.sqlite
		if d == dialectPostgres {
			stmt = m.postgres
		}
		if err := migrateStep(ctx, db, d, m.version, stmt); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", m.version, err)
		}
		version = m.version
	}
	return nil
}

// migrateStep runs stmt and records version in one transaction. A crash
// part way leaves the database at the previous version.
func migrateStep(ctx context.Context, db *sql.DB, d dialect, version int, stmt string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return err
	}
	if err := writeVersion(ctx, tx, d, version); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func readVersion(ctx context.Context, db *sql.DB, d dialect) (int, error) {
	var version int
	if d == dialectSQLite {
		if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return 0, fmt.Errorf("failed to read schema version: %w", err)
		}
		return version, nil
	}

	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'offq_schema_version')`,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !exists {
		return 0, nil
	}
	err = db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM offq_schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func writeVersion(ctx context.Context, db execer, d dialect, version int) error {
	var err error
	if d == dialectSQLite {
		// PRAGMA does not accept bound parameters.
		_, err = db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version))
	} else {
		_, err = db.ExecContext(ctx, `DELETE FROM offq_schema_version`)
		if err == nil {
			_, err = db.ExecContext(ctx, `INSERT INTO offq_schema_version (version) VALUES ($1)`, version)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return nil
}
