package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite stores keys in a local SQLite database. It is the default backend.
type SQLite struct {
	db        *sql.DB
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// SQLiteConfig holds configuration for the SQLite backend.
type SQLiteConfig struct {
	Path     string
	MaxConns int
}

const (
	sqliteGet    = `SELECT value FROM kv WHERE kv_key = ?`
	sqliteUpsert = `INSERT INTO kv (kv_key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(kv_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	sqliteDelete = `DELETE FROM kv WHERE kv_key = ?`
)

// OpenSQLite opens (and migrates) the database at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	if cfg.Path == ":memory:" {
		// Every connection would get its own private database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := newMigrationManager(db).run(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, stmtCache: make(map[string]*sql.Stmt)}, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	stmt, err := s.stmt(sqliteGet)
	if err != nil {
		return "", false, err
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	stmt, err := s.stmt(sqliteUpsert)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	stmt, err := s.stmt(sqliteDelete)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Close closes the cached statements and the database.
func (s *SQLite) Close() error {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if s.stmtCache == nil {
		return nil
	}
	for _, stmt := range s.stmtCache {
		_ = stmt.Close()
	}
	s.stmtCache = nil
	return s.db.Close()
}

// stmt returns a cached prepared statement, preparing it on first use.
func (s *SQLite) stmt(query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	if s.stmtCache == nil {
		s.stmtMu.RUnlock()
		return nil, ErrClosed
	}
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	if s.stmtCache == nil {
		return nil, ErrClosed
	}
	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}
