package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/antonespo/papernote-sub000/libs/config"
	"github.com/antonespo/papernote-sub000/services/auth/internal/security"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	MaxAttempts int
	Window      time.Duration
	Redis       RateLimitRedisConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type Config struct {
	App             base.AppConfig
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Argon2          security.Argon2Params
	Policy          security.PasswordPolicy
	DB              DBConfig
	RateLimit       RateLimitConfig
	Kafka           KafkaConfig
	SweepInterval   time.Duration
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("PAPERNOTE_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:             *appCfg,
		JWTSecret:       envString("PAPERNOTE_JWT_SECRET", ""),
		JWTIssuer:       envString("PAPERNOTE_JWT_ISSUER", "papernote-auth"),
		JWTAudience:     envString("PAPERNOTE_JWT_AUDIENCE", "papernote"),
		AccessTokenTTL:  envDuration("PAPERNOTE_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: envDuration("PAPERNOTE_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		Argon2: security.Argon2Params{
			Memory:      uint32(envInt("PAPERNOTE_ARGON2_MEMORY", 64*1024)),
			Iterations:  uint32(envInt("PAPERNOTE_ARGON2_ITERATIONS", 2)),
			Parallelism: uint8(envInt("PAPERNOTE_ARGON2_PARALLELISM", 1)),
			SaltLength:  uint32(envInt("PAPERNOTE_ARGON2_SALT_LENGTH", 32)),
			KeyLength:   uint32(envInt("PAPERNOTE_ARGON2_KEY_LENGTH", 32)),
		},
		Policy: security.PasswordPolicy{
			MinLength:        envInt("PAPERNOTE_PASSWORD_MIN_LENGTH", 8),
			RequireDigit:     envBool("PAPERNOTE_PASSWORD_REQUIRE_DIGIT", true),
			RequireUppercase: envBool("PAPERNOTE_PASSWORD_REQUIRE_UPPERCASE", true),
			RequireLowercase: envBool("PAPERNOTE_PASSWORD_REQUIRE_LOWERCASE", true),
			RequireSpecial:   envBool("PAPERNOTE_PASSWORD_REQUIRE_SPECIAL", true),
		},
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "papernote"),
			User:     envString("POSTGRES_USER", "papernote"),
			Password: envString("POSTGRES_PASSWORD", "papernote"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		RateLimit: RateLimitConfig{
			MaxAttempts: envInt("PAPERNOTE_LOGIN_RATE_LIMIT", 5),
			Window:      envDuration("PAPERNOTE_LOGIN_RATE_WINDOW", 5*time.Minute),
			Redis: RateLimitRedisConfig{
				Addr:     envString("PAPERNOTE_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("PAPERNOTE_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("PAPERNOTE_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("PAPERNOTE_RATE_LIMIT_REDIS_PREFIX", "papernote:auth:rl:"),
			},
		},
		Kafka: KafkaConfig{
			Brokers: envList("PAPERNOTE_KAFKA_BROKERS"),
			Topic:   envString("PAPERNOTE_KAFKA_AUTH_TOPIC", "auth.events"),
		},
		SweepInterval: envDuration("PAPERNOTE_TOKEN_SWEEP_INTERVAL", time.Hour),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("PAPERNOTE_JWT_SECRET must be set")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
