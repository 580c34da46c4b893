package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// schemaVersion is stored in SQLite's user_version pragma. Increment it
// whenever the tables or indices change.
const schemaVersion = 1

// sqliteBusyTimeout is the time SQLite waits when the database is locked by
// another process. After this, operations return SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// openSQLite opens the state database and applies the configured pragmas.
func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	// _txlock=immediate makes every transaction take the write lock at
	// BEGIN, turning each store operation into a cross-process critical
	// section instead of failing with SQLITE_BUSY at the first write.
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per-connection; a single pooled connection keeps them
	// applied for the lifetime of the store.
	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	err = applyPragmas(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

// applyPragmas configures the SQLite connection using a single batch statement.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;
		PRAGMA foreign_keys = ON;
		PRAGMA temp_store = MEMORY;
	`, sqliteBusyTimeout))
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// ensureSchema creates the tables and indices when missing and stamps the
// schema version. Opening an existing database with the current version is a
// no-op; any other version is treated as corrupt rather than migrated.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	version, err := storedSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	if version == schemaVersion {
		return nil
	}

	if version != 0 {
		return fmt.Errorf("unsupported schema version %d", version)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS builds (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			prefix TEXT NOT NULL,
			changeset TEXT NOT NULL,
			size INTEGER NOT NULL,
			last_used INTEGER NOT NULL,
			UNIQUE (prefix, changeset)
		)`,
		`CREATE TABLE IF NOT EXISTS download_queue (
			prefix TEXT NOT NULL,
			changeset TEXT NOT NULL,
			pid INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			PRIMARY KEY (prefix, changeset)
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS in_use (
			prefix TEXT NOT NULL,
			changeset TEXT NOT NULL,
			client TEXT NOT NULL,
			pid INTEGER NOT NULL,
			PRIMARY KEY (prefix, changeset, client)
		) WITHOUT ROWID`,
		"CREATE INDEX IF NOT EXISTS idx_builds_lru ON builds(prefix, last_used, seq)",
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion),
	}

	for i, stmt := range statements {
		_, err = db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}

	return nil
}

// storedSchemaVersion reads the current SQLite PRAGMA user_version.
func storedSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	row := db.QueryRowContext(ctx, "PRAGMA user_version")

	var version int

	err := row.Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}

	return version, nil
}
