package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	libauth "github.com/antonespo/papernote-sub000/libs/auth"
	"github.com/antonespo/papernote-sub000/libs/metrics"
	"github.com/antonespo/papernote-sub000/services/auth/internal/rate"
	"github.com/antonespo/papernote-sub000/services/auth/internal/security"
	"github.com/antonespo/papernote-sub000/services/auth/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Service interface {
	Register(ctx context.Context, username, password string) (*service.AuthResponse, error)
	Login(ctx context.Context, username, password string) (*service.AuthResponse, error)
	Refresh(ctx context.Context, rawToken string) (*service.AuthResponse, error)
	Logout(ctx context.Context, userID uuid.UUID) error
	RevokeAllTokens(ctx context.Context, userID uuid.UUID) error
	Profile(ctx context.Context, userID uuid.UUID) (*service.UserSummary, error)
	Resolve(ctx context.Context, usernames []string, ids []uuid.UUID) ([]service.UserSummary, error)
}

type AuthHandler struct {
	Svc         Service
	Logger      *slog.Logger
	RateLimiter rate.Limiter
	JWTSecret   []byte
	JWTIssuer   string
	JWTAudience string
}

func NewAuthHandler(svc Service, logger *slog.Logger, limiter rate.Limiter, jwtSecret []byte, issuer, audience string) *AuthHandler {
	return &AuthHandler{
		Svc:         svc,
		Logger:      logger,
		RateLimiter: limiter,
		JWTSecret:   jwtSecret,
		JWTIssuer:   issuer,
		JWTAudience: audience,
	}
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userIDRequest struct {
	UserID string `json:"userId"`
}

type resolveRequest struct {
	Usernames []string `json:"usernames"`
	IDs       []string `json:"ids"`
}

type userResponse struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	CreatedAt   string  `json:"createdAt"`
	LastLoginAt *string `json:"lastLoginAt"`
}

type authResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresAt    string       `json:"expiresAt"`
	User         userResponse `json:"user"`
}

type errorResponse struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/auth/register", h.Register)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)
	r.POST("/auth/logout", h.Logout)
	r.POST("/auth/revoke-all", h.RevokeAll)

	r.GET("/auth/me", libauth.Middleware(h.JWTSecret, h.JWTIssuer, h.JWTAudience), h.Me)

	// Reachable only from the service network; the gateway never routes
	// /internal paths.
	r.POST("/internal/users/resolve", h.Resolve)
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	resp, err := h.Svc.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toAuthResponse(resp))
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	ctx := c.Request.Context()

	// The limiter must count against the account being attacked, not the raw
	// spelling: "alice01", "Alice01", and " alice01" all authenticate as the
	// same user, so they share one counter.
	limiterKey, _ := security.NormalizeUsername(req.Username)

	check, err := h.RateLimiter.CheckAttempt(ctx, limiterKey, rate.OpLogin)
	if err == nil && !check.Allowed {
		metrics.LoginAttempts.WithLabelValues("rate_limited").Inc()
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(check.RetryAfter), 10))
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "Too Many Requests"})
		return
	}

	resp, err := h.Svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			_ = h.RateLimiter.RecordFailedAttempt(ctx, limiterKey, rate.OpLogin)
			metrics.LoginAttempts.WithLabelValues("rejected").Inc()
		}
		h.writeError(c, err)
		return
	}

	_ = h.RateLimiter.ClearAttempts(ctx, limiterKey, rate.OpLogin)
	metrics.LoginAttempts.WithLabelValues("success").Inc()
	c.JSON(http.StatusOK, toAuthResponse(resp))
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	resp, err := h.Svc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, service.ErrTokenInvalid) {
			metrics.TokenRotations.WithLabelValues("rejected").Inc()
		}
		h.writeError(c, err)
		return
	}

	metrics.TokenRotations.WithLabelValues("success").Inc()
	c.JSON(http.StatusOK, toAuthResponse(resp))
}

func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := h.bindUserID(c)
	if !ok {
		return
	}

	if err := h.Svc.Logout(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) RevokeAll(c *gin.Context) {
	userID, ok := h.bindUserID(c)
	if !ok {
		return
	}

	if err := h.Svc.RevokeAllTokens(c.Request.Context(), userID); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) Me(c *gin.Context) {
	raw, _ := c.Get(libauth.ContextUserIDKey)
	userID, err := uuid.Parse(raw.(string))
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}

	summary, err := h.Svc.Profile(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, toUserResponse(*summary))
}

func (h *AuthHandler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid user id"})
			return
		}
		ids = append(ids, id)
	}

	users, err := h.Svc.Resolve(c.Request.Context(), req.Usernames, ids)
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

func (h *AuthHandler) bindUserID(c *gin.Context) (uuid.UUID, bool) {
	var req userIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid payload"})
		return uuid.Nil, false
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid user id"})
		return uuid.Nil, false
	}
	return userID, true
}

func (h *AuthHandler) writeError(c *gin.Context, err error) {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Code: "VALIDATION_ERROR", Message: "validation failed", Details: validation.Violations})
	case errors.Is(err, service.ErrUsernameTaken):
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "username already taken"})
	case errors.Is(err, service.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
	case errors.Is(err, service.ErrTokenInvalid):
		c.JSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid token"})
	case errors.Is(err, service.ErrUserInactive):
		c.JSON(http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Message: "account is not active"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "user not found"})
	default:
		h.Logger.Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}

func toAuthResponse(resp *service.AuthResponse) authResponse {
	return authResponse{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt.UTC().Format(time.RFC3339),
		User:         toUserResponse(resp.User),
	}
}

func toUserResponse(u service.UserSummary) userResponse {
	out := userResponse{
		ID:        u.ID.String(),
		Username:  u.Username,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
	if u.LastLoginAt != nil {
		formatted := u.LastLoginAt.UTC().Format(time.RFC3339)
		out.LastLoginAt = &formatted
	}
	return out
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
