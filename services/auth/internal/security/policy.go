package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type PasswordPolicy struct {
	MinLength        int
	RequireDigit     bool
	RequireUppercase bool
	RequireLowercase bool
	RequireSpecial   bool
}

func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		RequireDigit:     true,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireSpecial:   true,
	}
}

// Validate returns every unmet rule, not just the first.
func (p PasswordPolicy) Validate(password string) []string {
	var violations []string

	if len(password) < p.MinLength {
		violations = append(violations, fmt.Sprintf("password must be at least %d characters", p.MinLength))
	}

	var hasDigit, hasUpper, hasLower, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		default:
			hasSpecial = true
		}
	}

	if p.RequireDigit && !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	if p.RequireUppercase && !hasUpper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if p.RequireLowercase && !hasLower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if p.RequireSpecial && !hasSpecial {
		violations = append(violations, "password must contain a special character")
	}

	return violations
}

var usernamePattern = regexp.MustCompile(`^[a-z0-9_]{3,32}$`)

// NormalizeUsername lowercases and trims the username and reports whether the
// result is a legal username.
func NormalizeUsername(username string) (string, bool) {
	normalized := strings.ToLower(strings.TrimSpace(username))
	return normalized, usernamePattern.MatchString(normalized)
}
