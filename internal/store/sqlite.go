package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_state (
    scope      TEXT NOT NULL,
    key        TEXT NOT NULL,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (scope, key)
);`

// SQLiteBackend stores snapshots in a local SQLite file. This is the default backend.
type SQLiteBackend struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers; the driver is the only writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run_state table: %w", err)
	}

	logger.Named("sqlite").Debug("Opened state database.", zap.String("path", path))
	return &SQLiteBackend{db: db, log: logger.Named("sqlite")}, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, scope Scope, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO run_state (scope, key, payload, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (scope, key) DO UPDATE SET
            payload = excluded.payload,
            updated_at = excluded.updated_at`,
		string(scope), key, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert run state: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, scope Scope, key string) ([]byte, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM run_state WHERE scope = ? AND key = ?`,
		string(scope), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	return []byte(payload), nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, scope Scope, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_state WHERE scope = ? AND key = ?`,
		string(scope), key); err != nil {
		return fmt.Errorf("failed to delete run state: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
