// Package store provides storage backends for FunnelPipe.
//
// This file implements an SQLite-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists lead records in an SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ LeadRepo = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection keeps them from racing for the lock.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle for components sharing the database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) GetLead(ctx context.Context, userID string) (*LeadSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT record, backup, version, updated_at FROM leads WHERE user_id = ?`, userID)
	snap, err := scanLeadRow(userID, row)
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "userID", userID)
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) PutLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	now := time.Now()
	if expectedVersion == 0 {
		return s.insert(ctx, userID, data, now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET backup = record, record = ?, version = version + 1, updated_at = ? WHERE user_id = ? AND version = ?`,
		string(data), now, userID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore PutLead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to update lead %s: %w", userID, err)
	}
	return casResult(res, userID, expectedVersion)
}

func (s *SQLiteStore) ReplaceLead(ctx context.Context, userID string, data []byte, expectedVersion int64) (int64, error) {
	if err := ValidateKey(userID); err != nil {
		return 0, err
	}
	now := time.Now()
	if expectedVersion == 0 {
		return s.insert(ctx, userID, data, now)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET backup = NULL, record = ?, version = version + 1, updated_at = ? WHERE user_id = ? AND version = ?`,
		string(data), now, userID, expectedVersion,
	)
	if err != nil {
		slog.Error("SQLiteStore ReplaceLead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to replace lead %s: %w", userID, err)
	}
	return casResult(res, userID, expectedVersion)
}

func (s *SQLiteStore) insert(ctx context.Context, userID string, data []byte, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leads (user_id, record, backup, version, updated_at) VALUES (?, ?, NULL, 1, ?)`,
		userID, string(data), now,
	)
	if err != nil {
		slog.Error("SQLiteStore insert lead failed", "error", err, "userID", userID)
		return 0, fmt.Errorf("failed to insert lead %s: %w", userID, err)
	}
	return casResult(res, userID, 0)
}

func (s *SQLiteStore) QuarantineLead(ctx context.Context, userID string, data []byte, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lead_quarantine (user_id, content, reason, quarantined_at) VALUES (?, ?, ?, ?)`,
		userID, nilIfEmpty(data), reason, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore QuarantineLead failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to quarantine lead %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore QuarantineLead succeeded", "userID", userID, "reason", reason)
	return nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context) ([]string, error) {
	return listLeadIDs(ctx, s.db)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

func listLeadIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM leads ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lead id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return ids, nil
}
