package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/antonespo/papernote-sub000/services/auth/internal/security"
	"github.com/antonespo/papernote-sub000/services/auth/internal/storage"
	"github.com/antonespo/papernote-sub000/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// These tests need a migrated Postgres; set RUN_DB_INTEGRATION=1 to enable.
func setupStore(t *testing.T) (*storage.Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("RUN_DB_INTEGRATION not set")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Fatalf("connect test db: %v", err)
	}
	t.Cleanup(func() {
		testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})

	return storage.New(pool), pool
}

func insertUser(t *testing.T, pool *pgxpool.Pool, username string) uuid.UUID {
	t.Helper()
	hash, err := security.HashPassword("Str0ngP@ss1", security.DefaultArgon2Params())
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	id, err := testutil.CreateTestUser(context.Background(), pool, username, hash)
	if err != nil {
		t.Fatalf("create test user: %v", err)
	}
	return id
}

func TestCreateUserDuplicate(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	insertUser(t, pool, "test_dup")

	now := time.Now().UTC()
	err := store.CreateUser(ctx, &storage.User{
		ID:           uuid.New(),
		Username:     "test_dup",
		PasswordHash: "x",
		Status:       storage.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if !errors.Is(err, storage.ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
}

func TestRotateRefreshTokenIsSingleUse(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	userID := insertUser(t, pool, "test_rotate")

	now := time.Now().UTC()
	original := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: security.HashRefreshToken("original"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.CreateRefreshToken(ctx, original); err != nil {
		t.Fatalf("create token: %v", err)
	}

	replacement := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: security.HashRefreshToken("replacement"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.RotateRefreshToken(ctx, original.ID, replacement, now); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	rotated, err := store.GetRefreshTokenByHash(ctx, original.TokenHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rotated.RevokedAt == nil {
		t.Fatalf("expected old token revoked")
	}
	if rotated.ReplacedByHash == nil || *rotated.ReplacedByHash != replacement.TokenHash {
		t.Fatalf("expected replaced_by_hash set")
	}

	// Second rotation of the same token loses the conditional update.
	again := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    userID,
		TokenHash: security.HashRefreshToken("again"),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	err = store.RotateRefreshToken(ctx, original.ID, again, now)
	if !errors.Is(err, storage.ErrTokenAlreadyRevoked) {
		t.Fatalf("expected ErrTokenAlreadyRevoked, got %v", err)
	}
	if _, err := store.GetRefreshTokenByHash(ctx, again.TokenHash); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected aborted rotation to leave no replacement row, got %v", err)
	}
}

func TestRevokeAllAndSweep(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	userID := insertUser(t, pool, "test_sweep")

	now := time.Now().UTC()
	for i, hash := range []string{"live", "expired"} {
		expires := now.Add(time.Hour)
		if i == 1 {
			expires = now.Add(-time.Hour)
		}
		err := store.CreateRefreshToken(ctx, &storage.RefreshToken{
			ID:        uuid.New(),
			UserID:    userID,
			TokenHash: security.HashRefreshToken(hash),
			CreatedAt: now,
			ExpiresAt: expires,
		})
		if err != nil {
			t.Fatalf("create token: %v", err)
		}
	}

	revoked, err := store.RevokeAllTokens(ctx, userID, now)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 revoked, got %d", revoked)
	}

	reaped, err := store.DeleteExpiredTokens(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if reaped < 1 {
		t.Fatalf("expected at least the expired token reaped, got %d", reaped)
	}
}
