package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/antonespo/papernote-sub000/libs/events"
	"github.com/antonespo/papernote-sub000/services/auth/internal/security"
	"github.com/antonespo/papernote-sub000/services/auth/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*storage.User, error)
	GetUserByID(ctx context.Context, userID uuid.UUID) (*storage.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	CreateUser(ctx context.Context, user *storage.User) error
	RecordLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
	ResolveUsernames(ctx context.Context, usernames []string) ([]storage.User, error)
	ResolveIDs(ctx context.Context, ids []uuid.UUID) ([]storage.User, error)
	GetRefreshTokenByHash(ctx context.Context, hash string) (*storage.RefreshToken, error)
	CreateRefreshToken(ctx context.Context, token *storage.RefreshToken) error
	RotateRefreshToken(ctx context.Context, oldID uuid.UUID, replacement *storage.RefreshToken, at time.Time) error
	RevokeAllTokens(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
}

type Config struct {
	JWTSecret       []byte
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Argon2          security.Argon2Params
	Policy          security.PasswordPolicy
	EventTopic      string
}

type Service struct {
	store     Store
	logger    *slog.Logger
	publisher events.Publisher
	tokenGen  security.TokenGenerator
	clock     Clock
	cfg       Config
}

func New(store Store, logger *slog.Logger, publisher events.Publisher, cfg Config) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		store:     store,
		logger:    logger,
		publisher: publisher,
		tokenGen:  security.DefaultTokenGenerator{},
		clock:     systemClock{},
		cfg:       cfg,
	}
}

type UserSummary struct {
	ID          uuid.UUID
	Username    string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

type AuthResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         UserSummary
}

func (s *Service) Register(ctx context.Context, username, password string) (*AuthResponse, error) {
	normalized, ok := security.NormalizeUsername(username)
	violations := s.cfg.Policy.Validate(password)
	if !ok {
		violations = append([]string{"username must be 3-32 characters: lowercase letters, digits, underscore"}, violations...)
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	exists, err := s.store.UsernameExists(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("username lookup: %w", err)
	}
	if exists {
		return nil, ErrUsernameTaken
	}

	hash, err := security.HashPassword(password, s.cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.clock.Now().UTC()
	user := &storage.User{
		ID:           uuid.New(),
		Username:     normalized,
		PasswordHash: hash,
		Status:       storage.StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicateUsername) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	resp, err := s.issueTokens(ctx, user, now)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeUserRegistered, user)
	return resp, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*AuthResponse, error) {
	normalized, _ := security.NormalizeUsername(username)

	user, err := s.store.GetUserByUsername(ctx, normalized)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("user lookup: %w", err)
	}

	if !security.VerifyPassword(password, user.PasswordHash, s.cfg.Argon2) {
		return nil, ErrInvalidCredentials
	}

	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	now := s.clock.Now().UTC()
	if err := s.store.RecordLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	user.LastLoginAt = &now

	resp, err := s.issueTokens(ctx, user, now)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeUserLoggedIn, user)
	return resp, nil
}

// Refresh exchanges a live refresh token for a new access/refresh pair. The
// old token is revoked in the same transaction that persists its replacement,
// so each token rotates at most once even when requests race. Presenting an
// already-rotated token is treated as theft evidence: every live token for
// the owning user is revoked before the request is rejected.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*AuthResponse, error) {
	now := s.clock.Now().UTC()

	token, err := s.store.GetRefreshTokenByHash(ctx, security.HashRefreshToken(rawToken))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("token lookup: %w", err)
	}

	if token.RevokedAt != nil {
		if _, err := s.store.RevokeAllTokens(ctx, token.UserID, now); err != nil {
			s.logger.Error("reuse response failed", "error", err)
		}
		s.logger.Warn("refresh token reuse detected", "user_id", token.UserID)
		return nil, ErrTokenInvalid
	}
	if !token.IsValid(now) {
		return nil, ErrTokenInvalid
	}

	user, err := s.store.GetUserByID(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	if !user.IsActive() {
		return nil, ErrUserInactive
	}

	rawRefresh, refreshHash, err := s.tokenGen.New()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	replacement := &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: refreshHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	if err := s.store.RotateRefreshToken(ctx, token.ID, replacement, now); err != nil {
		if errors.Is(err, storage.ErrTokenAlreadyRevoked) {
			if _, revokeErr := s.store.RevokeAllTokens(ctx, user.ID, now); revokeErr != nil {
				s.logger.Error("reuse response failed", "error", revokeErr)
			}
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("rotate token: %w", err)
	}

	access, err := security.NewAccessToken(user.ID.String(), user.Username, s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.AccessTokenTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	return &AuthResponse{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		ExpiresAt:    now.Add(s.cfg.AccessTokenTTL),
		User:         summarize(user),
	}, nil
}

// Logout revokes every live refresh token the user holds, killing all device
// sessions at once.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	now := s.clock.Now().UTC()
	if _, err := s.store.RevokeAllTokens(ctx, userID, now); err != nil {
		return fmt.Errorf("revoke tokens: %w", err)
	}
	s.publish(ctx, events.TypeTokensRevoked, &storage.User{ID: userID})
	return nil
}

// RevokeAllTokens is the explicit security action. Behaviorally identical to
// Logout; kept as its own operation so the surfaces stay distinct.
func (s *Service) RevokeAllTokens(ctx context.Context, userID uuid.UUID) error {
	return s.Logout(ctx, userID)
}

func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*UserSummary, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("user lookup: %w", err)
	}
	summary := summarize(user)
	return &summary, nil
}

// Resolve is the batch username/id lookup consumed by the notes service.
func (s *Service) Resolve(ctx context.Context, usernames []string, ids []uuid.UUID) ([]UserSummary, error) {
	seen := map[uuid.UUID]bool{}
	var out []UserSummary

	if len(usernames) > 0 {
		normalized := make([]string, 0, len(usernames))
		for _, u := range usernames {
			if n, ok := security.NormalizeUsername(u); ok {
				normalized = append(normalized, n)
			}
		}
		users, err := s.store.ResolveUsernames(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("resolve usernames: %w", err)
		}
		for i := range users {
			if !seen[users[i].ID] {
				seen[users[i].ID] = true
				out = append(out, summarize(&users[i]))
			}
		}
	}

	if len(ids) > 0 {
		users, err := s.store.ResolveIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolve ids: %w", err)
		}
		for i := range users {
			if !seen[users[i].ID] {
				seen[users[i].ID] = true
				out = append(out, summarize(&users[i]))
			}
		}
	}

	return out, nil
}

func (s *Service) issueTokens(ctx context.Context, user *storage.User, now time.Time) (*AuthResponse, error) {
	access, err := security.NewAccessToken(user.ID.String(), user.Username, s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.JWTAudience, s.cfg.AccessTokenTTL, now)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	rawRefresh, refreshHash, err := s.tokenGen.New()
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	if err := s.store.CreateRefreshToken(ctx, &storage.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: refreshHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}); err != nil {
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}

	return &AuthResponse{
		AccessToken:  access,
		RefreshToken: rawRefresh,
		ExpiresAt:    now.Add(s.cfg.AccessTokenTTL),
		User:         summarize(user),
	}, nil
}

func (s *Service) publish(ctx context.Context, eventType string, user *storage.User) {
	envelope, err := events.NewEnvelope(eventType, 1, "")
	if err != nil {
		s.logger.Error("build event envelope failed", "event_type", eventType, "error", err)
		return
	}
	evt := events.UserEvent{
		Envelope: envelope,
		UserID:   user.ID.String(),
		Username: user.Username,
	}
	if _, _, err := s.publisher.PublishJSON(ctx, s.cfg.EventTopic, evt.UserID, evt); err != nil {
		s.logger.Error("event publish failed", "event_type", eventType, "error", err)
	}
}

func summarize(user *storage.User) UserSummary {
	return UserSummary{
		ID:          user.ID,
		Username:    user.Username,
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	}
}
