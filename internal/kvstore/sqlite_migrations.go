package kvstore

import (
	"database/sql"
	"fmt"
	"time"
)

// sqliteMigration is one versioned schema step for the SQLite backend.
type sqliteMigration struct {
	Version int
	Name    string
	SQL     string
}

var sqliteMigrations = []sqliteMigration{
	{
		Version: 1,
		Name:    "kv_table",
		SQL: `
			CREATE TABLE IF NOT EXISTS kv (
				kv_key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
	},
	{
		Version: 2,
		Name:    "kv_updated_at",
		SQL: `
			ALTER TABLE kv ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;
			CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at DESC);
		`,
	},
}

type migrationManager struct {
	db *sql.DB
}

func newMigrationManager(db *sql.DB) *migrationManager {
	return &migrationManager{db: db}
}

func (m *migrationManager) ensureVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func (m *migrationManager) applied() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions[v] = true
	}
	return versions, rows.Err()
}

func (m *migrationManager) apply(mig sqliteMigration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		mig.Version, time.Now().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}
	return tx.Commit()
}

func (m *migrationManager) run() error {
	if err := m.ensureVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}
	done, err := m.applied()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	for _, mig := range sqliteMigrations {
		if done[mig.Version] {
			continue
		}
		if err := m.apply(mig); err != nil {
			return err
		}
	}
	return nil
}
