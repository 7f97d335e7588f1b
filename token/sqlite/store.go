// Package sqlite stores refresh-token records in a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/hengadev/credvault/token/internal/sqlstore"
)

const schema = `
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		jti TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		device_fingerprint TEXT NOT NULL DEFAULT '',
		last_used_at TIMESTAMP,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		revoked_at TIMESTAMP,
		replaced_by TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id, revoked);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);
`

// Store implements token.Store.
type Store struct {
	*sqlstore.Store
}

// Open opens (creating if needed) the database at path and its schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory for '%s': %w", path, err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at '%s': %w", path, err)
	}
	// one writer; also keeps an in-memory database on a single connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection test failed for '%s': %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database schema in '%s': %w", path, err)
	}

	return &Store{Store: sqlstore.New(db, "sqlite", sqlstore.Question, isConstraintViolation)}, nil
}

func (s *Store) Close() error {
	return s.DB().Close()
}

// isConstraintViolation matches a duplicate primary key or unique column.
func isConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
