package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreateTestUser inserts a user row directly. The password hash is supplied by
// the caller; this package cannot reach into the auth service internals.
func CreateTestUser(ctx context.Context, pool *pgxpool.Pool, username, passwordHash string) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	_, err := pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'active', $4, $4)
		ON CONFLICT DO NOTHING
	`, id, username, passwordHash, now)
	return id, err
}
