package db

import (
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
)

// Migrate applies every embedded SQL migration that has not run yet, in
// lexical order, each inside its own transaction. Applied migrations are
// tracked by file name, so re-running is a no-op.
func Migrate(database *sql.DB, migrationFS fs.FS) error {
	_, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("migrations table: %w", err)
	}

	scripts, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(scripts)

	for _, script := range scripts {
		name := path.Base(script)
		applied, err := migrationApplied(database, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		if err := applyMigration(database, migrationFS, script); err != nil {
			return err
		}
		slog.Info("schema migration applied", "name", name)
	}
	return nil
}

func migrationApplied(database *sql.DB, name string) (bool, error) {
	var n int
	err := database.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

func applyMigration(database *sql.DB, migrationFS fs.FS, script string) error {
	content, err := fs.ReadFile(migrationFS, script)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", script, err)
	}

	tx, err := database.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", script, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", script, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, path.Base(script)); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", script, err)
	}
	return tx.Commit()
}
