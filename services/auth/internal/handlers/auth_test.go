package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/antonespo/papernote-sub000/services/auth/internal/rate"
	"github.com/antonespo/papernote-sub000/services/auth/internal/security"
	"github.com/antonespo/papernote-sub000/services/auth/internal/service"
	"github.com/antonespo/papernote-sub000/services/auth/internal/storage"
	"github.com/antonespo/papernote-sub000/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type memStore struct {
	mu     sync.Mutex
	users  map[string]*storage.User
	tokens map[string]*storage.RefreshToken
}

func newMemStore() *memStore {
	return &memStore{
		users:  map[string]*storage.User{},
		tokens: map[string]*storage.RefreshToken{},
	}
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	clone := *user
	return &clone, nil
}

func (m *memStore) GetUserByID(_ context.Context, userID uuid.UUID) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ID == userID {
			clone := *user
			return &clone, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memStore) UsernameExists(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok, nil
}

func (m *memStore) CreateUser(_ context.Context, user *storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; ok {
		return storage.ErrDuplicateUsername
	}
	clone := *user
	m.users[user.Username] = &clone
	return nil
}

func (m *memStore) RecordLogin(_ context.Context, userID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.ID == userID {
			user.LastLoginAt = &at
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *memStore) ResolveUsernames(_ context.Context, usernames []string) ([]storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.User
	for _, username := range usernames {
		if user, ok := m.users[username]; ok {
			out = append(out, *user)
		}
	}
	return out, nil
}

func (m *memStore) ResolveIDs(_ context.Context, ids []uuid.UUID) ([]storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.User
	for _, id := range ids {
		for _, user := range m.users {
			if user.ID == id {
				out = append(out, *user)
			}
		}
	}
	return out, nil
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, hash string) (*storage.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[hash]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	clone := *token
	return &clone, nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, token *storage.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *token
	m.tokens[token.TokenHash] = &clone
	return nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldID uuid.UUID, replacement *storage.RefreshToken, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, token := range m.tokens {
		if token.ID == oldID {
			if token.RevokedAt != nil {
				return storage.ErrTokenAlreadyRevoked
			}
			token.RevokedAt = &at
			hash := replacement.TokenHash
			token.ReplacedByHash = &hash
			clone := *replacement
			m.tokens[replacement.TokenHash] = &clone
			return nil
		}
	}
	return storage.ErrTokenAlreadyRevoked
}

func (m *memStore) RevokeAllTokens(_ context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, token := range m.tokens {
		if token.UserID == userID && token.RevokedAt == nil {
			token.RevokedAt = &at
			count++
		}
	}
	return count, nil
}

func newTestRouter(t *testing.T, limiter rate.Limiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	secret := []byte("test-secret")
	svc := service.New(newMemStore(), logger, nil, service.Config{
		JWTSecret:       secret,
		JWTIssuer:       "papernote-auth",
		JWTAudience:     "papernote",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		Argon2:          security.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 32, KeyLength: 32},
		Policy:          security.DefaultPasswordPolicy(),
		EventTopic:      "auth.events",
	})

	if limiter == nil {
		limiter = rate.NewMemory(5, 5*time.Minute)
	}

	router := gin.New()
	NewAuthHandler(svc, logger, limiter, secret, "papernote-auth", "papernote").RegisterRoutes(router)
	return router
}

func decodeAuthResponse(t *testing.T, body []byte) authResponse {
	t.Helper()
	var resp authResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	return resp
}

func TestAuthTokenLifecycle(t *testing.T) {
	router := newTestRouter(t, nil)
	creds := map[string]string{"username": "alice01", "password": "Str0ngP@ss1"}

	// Register issues the first token pair.
	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", creds)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	registered := decodeAuthResponse(t, w.Body.Bytes())
	if registered.AccessToken == "" || registered.RefreshToken == "" {
		t.Fatalf("expected tokens on register")
	}
	if registered.User.Username != "alice01" {
		t.Fatalf("unexpected username %q", registered.User.Username)
	}
	if _, err := time.Parse(time.RFC3339, registered.ExpiresAt); err != nil {
		t.Fatalf("expiresAt not RFC3339: %v", err)
	}

	// Login issues a second, independent pair.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", creds)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	loggedIn := decodeAuthResponse(t, w.Body.Bytes())
	if loggedIn.RefreshToken == registered.RefreshToken {
		t.Fatalf("expected a distinct refresh token per session")
	}
	if loggedIn.User.LastLoginAt == nil {
		t.Fatalf("expected lastLoginAt set after login")
	}

	// Refresh rotates the login session's token.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": loggedIn.RefreshToken})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)
	rotated := decodeAuthResponse(t, w.Body.Bytes())
	if rotated.RefreshToken == loggedIn.RefreshToken {
		t.Fatalf("expected rotation to mint a new refresh token")
	}

	// The rotated-away token is dead.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": loggedIn.RefreshToken})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)

	// Logout kills every session, including the register pair.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/logout", map[string]string{"userId": registered.User.ID})
	testutil.AssertHTTPStatus(t, w, http.StatusNoContent)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": registered.RefreshToken})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
}

func TestRegisterValidationReturnsAllViolations(t *testing.T) {
	router := newTestRouter(t, nil)

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "alllowercase",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeValidationError)

	details := strings.Join(testutil.ErrorDetails(t, w), " ")
	if !strings.Contains(details, "digit") || !strings.Contains(details, "uppercase") {
		t.Fatalf("expected all violations in details, got %q", details)
	}
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	router := newTestRouter(t, nil)
	creds := map[string]string{"username": "alice01", "password": "Str0ngP@ss1"}

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", creds)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "ALICE01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeConflict)
}

func TestLoginRateLimited(t *testing.T) {
	router := newTestRouter(t, rate.NewMemory(2, time.Minute))

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	bad := map[string]string{"username": "alice01", "password": "WrongP@ss1"}
	for i := 0; i < 2; i++ {
		w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", bad)
		testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
	}

	// Limit reached: even the correct password is refused until the window ends.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeRateLimited)
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

// All spellings of a username share one failure counter: the limiter guards
// the account, and "alice01", "Alice01", and " ALICE01" all log into it.
func TestLoginRateLimitCountsAcrossUsernameSpellings(t *testing.T) {
	router := newTestRouter(t, rate.NewMemory(2, time.Minute))

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	for _, spelling := range []string{"Alice01", " ALICE01"} {
		w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
			"username": spelling,
			"password": "WrongP@ss1",
		})
		testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
	}

	// Limit reached under yet another spelling.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "aLiCe01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeRateLimited)
}

func TestLoginSuccessClearsCounterAcrossSpellings(t *testing.T) {
	router := newTestRouter(t, rate.NewMemory(2, time.Minute))

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "WrongP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)

	// Success under a different casing resets the shared counter.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "ALICE01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	for i := 0; i < 2; i++ {
		w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
			"username": "alice01",
			"password": "WrongP@ss1",
		})
		testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
	}
}

func TestLoginSuccessClearsRateLimitCounter(t *testing.T) {
	router := newTestRouter(t, rate.NewMemory(2, time.Minute))

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "WrongP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	// Counter is reset: a fresh run of failures starts from zero.
	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "WrongP@ss1",
	})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
}

func TestLoginUnknownUserSameErrorAsWrongPassword(t *testing.T) {
	router := newTestRouter(t, nil)

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	unknown := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "nobody99",
		"password": "Str0ngP@ss1",
	})
	wrong := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/login", map[string]string{
		"username": "alice01",
		"password": "WrongP@ss1",
	})

	testutil.AssertErrorCode(t, unknown, testutil.ErrorCodeUnauthorized)
	testutil.AssertErrorCode(t, wrong, testutil.ErrorCodeUnauthorized)
	if unknown.Body.String() != wrong.Body.String() {
		t.Fatalf("expected identical error bodies, got %q vs %q", unknown.Body.String(), wrong.Body.String())
	}
}

func TestRefreshMalformedPayload(t *testing.T) {
	router := newTestRouter(t, nil)

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeInvalidRequest)

	w = testutil.MakeAPIRequest(router, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": "never-issued"})
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)
}

func TestMeRequiresBearerToken(t *testing.T) {
	router := newTestRouter(t, nil)

	w := testutil.MakeAuthRequest(router, http.MethodGet, "/auth/me", nil, "")
	testutil.AssertErrorCode(t, w, testutil.ErrorCodeUnauthorized)

	reg := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, reg, http.StatusOK)
	registered := decodeAuthResponse(t, reg.Body.Bytes())

	w = testutil.MakeAuthRequest(router, http.MethodGet, "/auth/me", nil, registered.AccessToken)
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	var me userResponse
	if err := json.Unmarshal(w.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if me.ID != registered.User.ID || me.Username != "alice01" {
		t.Fatalf("unexpected profile %+v", me)
	}
}

func TestResolveBatch(t *testing.T) {
	router := newTestRouter(t, nil)

	reg := testutil.MakeAPIRequest(router, http.MethodPost, "/auth/register", map[string]string{
		"username": "alice01",
		"password": "Str0ngP@ss1",
	})
	testutil.AssertHTTPStatus(t, reg, http.StatusOK)
	registered := decodeAuthResponse(t, reg.Body.Bytes())

	w := testutil.MakeAPIRequest(router, http.MethodPost, "/internal/users/resolve", map[string]any{
		"usernames": []string{"ALICE01"},
		"ids":       []string{registered.User.ID},
	})
	testutil.AssertHTTPStatus(t, w, http.StatusOK)

	var out struct {
		Users []userResponse `json:"users"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if len(out.Users) != 1 {
		t.Fatalf("expected deduplicated single user, got %d", len(out.Users))
	}
	if out.Users[0].Username != "alice01" {
		t.Fatalf("unexpected user %+v", out.Users[0])
	}
}
