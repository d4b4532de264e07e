package service

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidCredentials covers both unknown username and wrong password,
	// so callers cannot probe which usernames exist.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenInvalid covers missing, expired, and revoked refresh tokens.
	ErrTokenInvalid = errors.New("invalid refresh token")

	ErrUsernameTaken = errors.New("username already taken")
	ErrUserInactive  = errors.New("account is not active")
	ErrUserNotFound  = errors.New("user not found")
)

// ValidationError carries every unmet registration rule at once.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}
