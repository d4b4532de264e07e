package rate

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count int64
	reset time.Time
}

// MemoryLimiter is the dev/test fallback when no Redis counter store is
// configured. Not suitable for multi-instance deployments.
type MemoryLimiter struct {
	mu           sync.Mutex
	limit        int64
	window       time.Duration
	entries      map[string]*entry
	lastCleanup  time.Time
	cleanupEvery time.Duration
	now          func() time.Time
}

func NewMemory(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:        int64(limit),
		window:       window,
		entries:      map[string]*entry{},
		lastCleanup:  time.Now(),
		cleanupEvery: window,
		now:          time.Now,
	}
}

func key(username, operation string) string {
	return operation + ":" + username
}

func (l *MemoryLimiter) CheckAttempt(_ context.Context, username, operation string) (Result, error) {
	if operation != OpLogin {
		return Result{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(now)

	e, ok := l.entries[key(username, operation)]
	if !ok || now.After(e.reset) {
		return Result{Allowed: true}, nil
	}

	if e.count >= l.limit {
		retryAfter := e.reset.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Allowed: false, RetryAfter: retryAfter, Attempts: e.count}, nil
	}

	return Result{Allowed: true, Attempts: e.count}, nil
}

func (l *MemoryLimiter) RecordFailedAttempt(_ context.Context, username, operation string) error {
	if operation != OpLogin {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(username, operation)
	e, ok := l.entries[k]
	if !ok || now.After(e.reset) {
		l.entries[k] = &entry{count: 1, reset: now.Add(l.window)}
		return nil
	}

	e.count++
	e.reset = now.Add(l.window)
	return nil
}

func (l *MemoryLimiter) ClearAttempts(_ context.Context, username, operation string) error {
	if operation != OpLogin {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key(username, operation))
	return nil
}

func (l *MemoryLimiter) cleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < l.cleanupEvery {
		return
	}
	for k, v := range l.entries {
		if now.After(v.reset) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}
