package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	sqlCreateRunState = `
        CREATE TABLE IF NOT EXISTS run_state (
            scope      TEXT        NOT NULL,
            key        TEXT        NOT NULL,
            payload    JSONB       NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (scope, key)
        );
    `
	sqlUpsertRunState = `
        INSERT INTO run_state (scope, key, payload, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (scope, key) DO UPDATE SET
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectRunState = `SELECT payload FROM run_state WHERE scope = $1 AND key = $2;`
	sqlDeleteRunState = `DELETE FROM run_state WHERE scope = $1 AND key = $2;`
)

// PostgresBackend stores snapshots in a PostgreSQL table, letting several
// hosts share one run record.
type PostgresBackend struct {
	pool DBPool
	log  *zap.Logger
}

// OpenPostgres connects to dsn and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	backend, err := NewPostgresBackend(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

// NewPostgresBackend verifies the connection and creates the table if needed.
func NewPostgresBackend(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresBackend, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateRunState); err != nil {
		return nil, fmt.Errorf("failed to create run_state table: %w", err)
	}
	return &PostgresBackend{
		pool: pool,
		log:  logger.Named("postgres"),
	}, nil
}

func (p *PostgresBackend) Put(ctx context.Context, scope Scope, key string, payload []byte) error {
	if _, err := p.pool.Exec(ctx, sqlUpsertRunState, string(scope), key, string(payload), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert run state: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, scope Scope, key string) ([]byte, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, sqlSelectRunState, string(scope), key).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	return payload, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, scope Scope, key string) error {
	tag, err := p.pool.Exec(ctx, sqlDeleteRunState, string(scope), key)
	if err != nil {
		return fmt.Errorf("failed to delete run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.log.Debug("No run state to delete.", zap.String("scope", string(scope)))
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}
