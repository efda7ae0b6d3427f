package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/woozymasta/fluster/assets"
)

// migrationsDir is the embedded directory holding ordered *.sql files.
const migrationsDir = "migrations"

// migrate applies embedded SQL files that are not yet recorded in schema_migrations.
func migrate(db *sql.DB) error {
	const migrationTableSchema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME
	);`

	if _, err := db.Exec(migrationTableSchema); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	files, err := pendingCandidates()
	if err != nil {
		return err
	}

	for _, file := range files {
		var exists int
		err := db.QueryRow("SELECT 1 FROM schema_migrations WHERE version = ?", file).Scan(&exists)
		if err == nil {
			continue
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check migration status: %w", err)
		}

		if err := apply(db, file); err != nil {
			return err
		}
	}

	return nil
}

// pendingCandidates lists the embedded migrations in lexical order.
func pendingCandidates() ([]string, error) {
	entries, err := assets.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	return files, nil
}

// apply runs one migration file and records it in the same transaction.
func apply(db *sql.DB, file string) error {
	log.Info().Str("file", file).Msg("Applying journal migration...")

	content, err := assets.ReadFile(path.Join(migrationsDir, file))
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", file, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(string(content)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to exec migration %s: %w", file, err)
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", file, time.Now()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration %s: %w", file, err)
	}

	return tx.Commit()
}
