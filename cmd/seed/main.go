package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/argon2"
)

func main() {
	env := getEnv("PAPERNOTE_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: PAPERNOTE_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "papernote")
	user := getEnv("POSTGRES_USER", "papernote")
	password := getEnv("POSTGRES_PASSWORD", "papernote")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedUsers(ctx, pool); err != nil {
		log.Fatalf("seed users: %v", err)
	}
	fmt.Println("✓ Users seeded")
}

func seedUsers(ctx context.Context, pool *pgxpool.Pool) error {
	for _, u := range demoUsers {
		hash, err := hashPassword(u.password)
		if err != nil {
			return fmt.Errorf("hash password for %s: %w", u.username, err)
		}

		now := time.Now().UTC()
		_, err = pool.Exec(ctx, `
			INSERT INTO users (id, username, password_hash, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT DO NOTHING
		`, uuid.New(), u.username, hash, u.status, now)
		if err != nil {
			return fmt.Errorf("insert user %s: %w", u.username, err)
		}
	}
	return nil
}

// hashPassword matches the auth service encoding: base64(salt||hash) with the
// service's default argon2id parameters.
func hashPassword(password string) (string, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, 2, 64*1024, 1, 32)
	return base64.RawStdEncoding.EncodeToString(append(salt, hash...)), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
