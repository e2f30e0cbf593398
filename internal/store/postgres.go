// Package store provides storage backends for FunnelPipe.
//
// This file implements a PostgreSQL-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists lead records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ LeadRepo = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetLead(ctx context.Context, userID string) (*LeadSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record, backup, version, updated_at FROM leads WHERE user_id = $1`, userID)
	snap, err := scanLeadRow(userID, row)
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "userID", userID)
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStore) PutLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	now := time.Now()
	if expectedVersion == 0 {
		return s.insert(ctx, userID, data, now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET backup = record, record = $1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND version = $4`,
		string(data), now, userID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore PutLead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to update lead %s: %w", userID, err)
	}
	return casResult(res, userID, expectedVersion)
}

func (s *PostgresStore) ReplaceLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	now := time.Now()
	if expectedVersion == 0 {
		return s.insert(ctx, userID, data, now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET backup = NULL, record = $1, version = version + 1, updated_at = $2 WHERE user_id = $3 AND version = $4`,
		string(data), now, userID, expectedVersion,
	)
	if err != nil {
		slog.Error("PostgresStore ReplaceLead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to replace lead %s: %w", userID, err)
	}
	return casResult(res, userID, expectedVersion)
}

func (s *PostgresStore) insert(ctx context.Context, userID string, data []byte, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (user_id, record, backup, version, updated_at) VALUES ($1, $2, NULL, 1, $3) ON CONFLICT (user_id) DO NOTHING`,
		userID, string(data), now,
	)
	if err != nil {
		slog.Error("PostgresStore insert lead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to insert lead %s: %w", userID, err)
	}
	return casResult(res, userID, 0)
}

func (s *PostgresStore) QuarantineLead(ctx context.Context, userID string, data []byte, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_quarantine (user_id, content, reason, quarantined_at) VALUES ($1, $2, $3, $4)`,
		userID, nilIfEmpty(data), reason, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore QuarantineLead failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to quarantine lead %s: %w", userID, err)
	}
	return nil
}

func (s *PostgresStore) ListLeads(ctx context.Context) ([]string, error) {
	return listLeadIDs(ctx, s.db)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
