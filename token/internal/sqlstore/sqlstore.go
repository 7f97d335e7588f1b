// Package sqlstore implements token.Store over database/sql. The postgres and
// sqlite packages wrap it with their driver, schema and placeholder style.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/credvault"
	"github.com/hengadev/credvault/token"
)

// Placeholder is the bind variable style of a driver.
type Placeholder int

const (
	Question Placeholder = iota // ?
	Dollar                      // $1, $2, ...
)

const columns = `jti, user_id, token_hash, expires_at, ip_address, user_agent,
	device_fingerprint, last_used_at, revoked, revoked_at, replaced_by, created_at`

// Store is safe for concurrent use.
type Store struct {
	db          *sql.DB
	backend     string
	placeholder Placeholder
	isDuplicate func(error) bool
}

// New returns a Store over db. backend names the database in errors and
// isDuplicate recognizes the driver's primary key violation.
func New(db *sql.DB, backend string, placeholder Placeholder, isDuplicate func(error) bool) *Store {
	return &Store{db: db, backend: backend, placeholder: placeholder, isDuplicate: isDuplicate}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Create(ctx context.Context, rec *token.RefreshRecord) error {
	query := s.rebind(`INSERT INTO refresh_tokens (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		rec.JTI,
		rec.UserID,
		rec.TokenHash,
		rec.ExpiresAt.UTC(),
		rec.IPAddress,
		rec.UserAgent,
		rec.DeviceFingerprint,
		nullTime(rec.LastUsedAt),
		rec.Revoked,
		nullTime(rec.RevokedAt),
		nullString(rec.ReplacedBy),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		if s.isDuplicate != nil && s.isDuplicate(err) {
			return credvault.NewValidationError("jti", fmt.Sprintf("refresh token %s already exists", rec.JTI))
		}
		return s.wrap("inserting refresh token", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jti string) (*token.RefreshRecord, error) {
	query := s.rebind(`SELECT ` + columns + ` FROM refresh_tokens WHERE jti = ?`)

	var (
		rec        token.RefreshRecord
		lastUsedAt sql.NullTime
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, jti).Scan(
		&rec.JTI,
		&rec.UserID,
		&rec.TokenHash,
		&rec.ExpiresAt,
		&rec.IPAddress,
		&rec.UserAgent,
		&rec.DeviceFingerprint,
		&lastUsedAt,
		&rec.Revoked,
		&revokedAt,
		&replacedBy,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", token.ErrRecordNotFound, jti)
		}
		return nil, s.wrap("querying refresh token", err)
	}

	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastUsedAt = timePtr(lastUsedAt)
	rec.RevokedAt = timePtr(revokedAt)
	rec.ReplacedBy = replacedBy.String
	return &rec, nil
}

func (s *Store) Touch(ctx context.Context, jti string, at time.Time) error {
	query := s.rebind(`UPDATE refresh_tokens SET last_used_at = ? WHERE jti = ?`)

	n, err := s.exec(ctx, "updating refresh token", query, at.UTC(), jti)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", token.ErrRecordNotFound, jti)
	}
	return nil
}

// Revoke flips revoked only on an active row so two concurrent exchanges
// of the same token cannot both win.
func (s *Store) Revoke(ctx context.Context, jti string, at time.Time, replacedBy string) (bool, error) {
	query := s.rebind(`
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = ?, replaced_by = ?
		WHERE jti = ? AND revoked = FALSE`)

	n, err := s.exec(ctx, "revoking refresh token", query, at.UTC(), nullString(replacedBy), jti)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		s.rebind(`SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE jti = ?)`), jti).Scan(&exists)
	if err != nil {
		return false, s.wrap("querying refresh token", err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", token.ErrRecordNotFound, jti)
	}
	return false, nil
}

func (s *Store) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int, error) {
	query := s.rebind(`
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = ?
		WHERE user_id = ? AND revoked = FALSE`)

	n, err := s.exec(ctx, "revoking refresh tokens", query, at.UTC(), userID)
	return int(n), err
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	query := s.rebind(`DELETE FROM refresh_tokens WHERE expires_at < ?`)

	n, err := s.exec(ctx, "deleting expired refresh tokens", query, before.UTC())
	return int(n), err
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrap(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, s.wrap("getting rows affected", err)
	}
	return n, nil
}

// wrap marks database failures retryable. Context errors pass through so
// callers see their own cancellation.
func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, credvault.NewBackendUnavailableError(s.backend, err))
}

func (s *Store) rebind(query string) string {
	if s.placeholder != Dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
