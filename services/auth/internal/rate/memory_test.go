package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterBlocksAfterMaxAttempts(t *testing.T) {
	lim := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := lim.CheckAttempt(ctx, "alice01", OpLogin)
		if err != nil || !res.Allowed {
			t.Fatalf("expected attempt %d allowed", i+1)
		}
		if err := lim.RecordFailedAttempt(ctx, "alice01", OpLogin); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	res, err := lim.CheckAttempt(ctx, "alice01", OpLogin)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected blocked after max attempts")
	}
	if res.RetryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestMemoryLimiterClearAttempts(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	ctx := context.Background()

	if err := lim.RecordFailedAttempt(ctx, "alice01", OpLogin); err != nil {
		t.Fatalf("record: %v", err)
	}
	res, _ := lim.CheckAttempt(ctx, "alice01", OpLogin)
	if res.Allowed {
		t.Fatalf("expected blocked")
	}

	if err := lim.ClearAttempts(ctx, "alice01", OpLogin); err != nil {
		t.Fatalf("clear: %v", err)
	}
	res, _ = lim.CheckAttempt(ctx, "alice01", OpLogin)
	if !res.Allowed {
		t.Fatalf("expected allowed after clear")
	}
}

func TestMemoryLimiterWindowExpiry(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	_ = lim.RecordFailedAttempt(ctx, "alice01", OpLogin)
	res, _ := lim.CheckAttempt(ctx, "alice01", OpLogin)
	if res.Allowed {
		t.Fatalf("expected blocked within window")
	}

	lim.now = func() time.Time { return now.Add(2 * time.Minute) }
	res, _ = lim.CheckAttempt(ctx, "alice01", OpLogin)
	if !res.Allowed {
		t.Fatalf("expected allowed after window")
	}
}

// Each failure resets the expiry to the full window, so a late burst keeps
// the counter alive past the original window.
func TestMemoryLimiterFailureExtendsWindow(t *testing.T) {
	lim := NewMemory(2, time.Minute)
	now := time.Now()
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	_ = lim.RecordFailedAttempt(ctx, "alice01", OpLogin)

	lim.now = func() time.Time { return now.Add(50 * time.Second) }
	_ = lim.RecordFailedAttempt(ctx, "alice01", OpLogin)

	lim.now = func() time.Time { return now.Add(90 * time.Second) }
	res, _ := lim.CheckAttempt(ctx, "alice01", OpLogin)
	if res.Allowed {
		t.Fatalf("expected still blocked: window was extended by second failure")
	}
}

func TestMemoryLimiterIgnoresOtherOperations(t *testing.T) {
	lim := NewMemory(1, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = lim.RecordFailedAttempt(ctx, "alice01", "refresh")
	}
	res, err := lim.CheckAttempt(ctx, "alice01", "refresh")
	if err != nil || !res.Allowed {
		t.Fatalf("expected non-login operation to pass through")
	}
}
