package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTokenAlreadyRevoked is returned when a rotation loses the race to revoke
// the old token. At most one rotation per token succeeds.
var ErrTokenAlreadyRevoked = errors.New("refresh token already revoked")

// ErrDuplicateUsername surfaces the unique index on lower(username).
var ErrDuplicateUsername = errors.New("username already exists")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, status, created_at, updated_at, last_login_at
		FROM users
		WHERE username = $1
	`, username)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID uuid.UUID) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, status, created_at, updated_at, last_login_at
		FROM users
		WHERE id = $1
	`, userID)
	return scanUser(row)
}

func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)
	`, username).Scan(&exists)
	return exists, err
}

func (s *Store) CreateUser(ctx context.Context, user *User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.PasswordHash, user.Status, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateUsername
		}
		return err
	}
	return nil
}

func (s *Store) RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users
		SET last_login_at = $2, updated_at = $2
		WHERE id = $1
	`, userID, at)
	return err
}

func (s *Store) ResolveUsernames(ctx context.Context, usernames []string) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, password_hash, status, created_at, updated_at, last_login_at
		FROM users
		WHERE username = ANY($1)
	`, usernames)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *Store) ResolveIDs(ctx context.Context, ids []uuid.UUID) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, password_hash, status, created_at, updated_at, last_login_at
		FROM users
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*RefreshToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, revoked_at, replaced_by_hash
		FROM refresh_tokens
		WHERE token_hash = $1
	`, hash)

	var token RefreshToken
	if err := row.Scan(&token.ID, &token.UserID, &token.TokenHash, &token.CreatedAt, &token.ExpiresAt, &token.RevokedAt, &token.ReplacedByHash); err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, token.ID, token.UserID, token.TokenHash, token.CreatedAt, token.ExpiresAt)
	return err
}

// RotateRefreshToken revokes the old token and inserts its replacement in one
// transaction. The revoke is conditional on the token still being live; if a
// concurrent rotation got there first, the transaction aborts with
// ErrTokenAlreadyRevoked and no replacement row is written.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *RefreshToken, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2, replaced_by_hash = $3
		WHERE id = $1 AND revoked_at IS NULL
	`, oldID, at, replacement.TokenHash)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrTokenAlreadyRevoked
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, replacement.ID, replacement.UserID, replacement.TokenHash, replacement.CreatedAt, replacement.ExpiresAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) RevokeAllTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
	`, userID, at)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// DeleteExpiredTokens is the reap entrypoint for the background sweep.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func scanUser(row pgx.Row) (*User, error) {
	var user User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Status, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt); err != nil {
		return nil, err
	}
	return &user, nil
}

func collectUsers(rows pgx.Rows) ([]User, error) {
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Status, &user.CreatedAt, &user.UpdatedAt, &user.LastLoginAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}
