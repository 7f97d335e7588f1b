// Package postgres stores refresh-token records in PostgreSQL through the
// pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hengadev/credvault/internal/monitoring"
	"github.com/hengadev/credvault/token/internal/sqlstore"
)

// Schema creates the refresh_tokens table. Migrate runs it.
const Schema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	jti                TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	token_hash         TEXT NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	ip_address         TEXT NOT NULL DEFAULT '',
	user_agent         TEXT NOT NULL DEFAULT '',
	device_fingerprint TEXT NOT NULL DEFAULT '',
	last_used_at       TIMESTAMPTZ,
	revoked            BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_at         TIMESTAMPTZ,
	replaced_by        TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user_active ON refresh_tokens (user_id) WHERE revoked = FALSE;
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens (expires_at);
`

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: time.Minute,
		PingTimeout:     5 * time.Second,
	}
}

// Store implements token.Store.
type Store struct {
	*sqlstore.Store
	logger *slog.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	logger = monitoring.OrNop(logger)

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL refresh token store")
	return New(db, logger), nil
}

// New wraps an existing handle, e.g. one shared with the application.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		Store:  sqlstore.New(db, "postgres", sqlstore.Dollar, isUniqueViolation),
		logger: monitoring.OrNop(logger),
	}
}

// Migrate creates the table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB().ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating refresh_tokens schema: %w", err)
	}
	s.logger.Debug("refresh_tokens schema ready")
	return nil
}

func (s *Store) Close() error {
	return s.DB().Close()
}

// isUniqueViolation matches SQLSTATE 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
