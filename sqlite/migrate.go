package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const migrationTable = "schema_migrations"

// ApplyMigrations executes the .sql files of root in name order, each at
// most once. Only the "-- +migrate Up" section of a file is run.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationFS fs.FS, root string) error {
	if db == nil {
		return errors.New("sql db is required")
	}

	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return goerr.Wrap(err, "read migrations dir", goerr.V("root", root))
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}

	sort.Strings(files)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return goerr.Wrap(err, "ensure migration table")
	}

	for _, file := range files {
		if err := applyMigration(ctx, db, migrationFS, path.Join(root, file), file); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, migrationFS fs.FS, filePath, name string) error {
	applied, err := isApplied(ctx, db, name)
	if err != nil {
		return goerr.Wrap(err, "check migration", goerr.V("migration", name))
	}

	if applied {
		return nil
	}

	content, err := fs.ReadFile(migrationFS, filePath)
	if err != nil {
		return goerr.Wrap(err, "read migration", goerr.V("migration", name))
	}

	up := ExtractUpMigration(string(content))
	if strings.TrimSpace(up) == "" {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin migration", goerr.V("migration", name))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, up); err != nil && !IsAlreadyExistsError(err) {
		return goerr.Wrap(err, "exec migration", goerr.V("migration", name))
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return goerr.Wrap(err, "record migration", goerr.V("migration", name))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit migration", goerr.V("migration", name))
	}

	return nil
}

// ExtractUpMigration returns the SQL in the "-- +migrate Up" section. A file
// without markers is returned unchanged.
func ExtractUpMigration(content string) string {
	const upMarker, downMarker = "-- +migrate Up", "-- +migrate Down"

	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}

	downIdx := strings.Index(content, downMarker)
	if downIdx == -1 {
		return content[upIdx+len(upMarker):]
	}

	return content[upIdx+len(upMarker) : downIdx]
}

// IsAlreadyExistsError reports whether err is a DDL error that means the
// object is already in place.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found int

	err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
