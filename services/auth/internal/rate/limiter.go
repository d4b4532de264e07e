package rate

import (
	"context"
	"time"

	"log/slog"
)

// OpLogin is the only rate-limited operation; everything else passes through.
const OpLogin = "login"

type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	Attempts   int64
}

type Limiter interface {
	CheckAttempt(ctx context.Context, username, operation string) (Result, error)
	RecordFailedAttempt(ctx context.Context, username, operation string) error
	ClearAttempts(ctx context.Context, username, operation string) error
}

// FailOpen wraps a limiter so counter-store outages never lock out legitimate
// users: errors are logged and the attempt is allowed.
type FailOpen struct {
	Inner  Limiter
	Logger *slog.Logger
}

func NewFailOpen(inner Limiter, logger *slog.Logger) *FailOpen {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailOpen{Inner: inner, Logger: logger}
}

func (f *FailOpen) CheckAttempt(ctx context.Context, username, operation string) (Result, error) {
	res, err := f.Inner.CheckAttempt(ctx, username, operation)
	if err != nil {
		f.Logger.Warn("rate limiter unavailable, failing open", "operation", operation, "error", err)
		return Result{Allowed: true}, nil
	}
	return res, nil
}

func (f *FailOpen) RecordFailedAttempt(ctx context.Context, username, operation string) error {
	if err := f.Inner.RecordFailedAttempt(ctx, username, operation); err != nil {
		f.Logger.Warn("rate limiter record failed", "operation", operation, "error", err)
	}
	return nil
}

func (f *FailOpen) ClearAttempts(ctx context.Context, username, operation string) error {
	if err := f.Inner.ClearAttempts(ctx, username, operation); err != nil {
		f.Logger.Warn("rate limiter clear failed", "operation", operation, "error", err)
	}
	return nil
}
