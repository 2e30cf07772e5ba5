package ratelimit

import (
	"testing"
	"time"

	"pactduel/trust/internal/validation"
)

func TestLimiterRejectsThirtyFirstMessage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(nil, nil, WithClock(func() time.Time { return now }))

	for i := 0; i < 30; i++ {
		if result := limiter.Check("player-1", ClassGeneral); !result.Valid {
			t.Fatalf("message %d unexpectedly rejected: %+v", i+1, result)
		}
		now = now.Add(time.Second)
	}
	result := limiter.Check("player-1", ClassGeneral)
	if result.Valid {
		t.Fatal("expected the 31st message inside the window to be rejected")
	}
	if result.Code != validation.CodeRateLimited {
		t.Fatalf("unexpected code: %q", result.Code)
	}
	if limiter.Violations("player-1") != 1 {
		t.Fatalf("expected one recorded violation, got %d", limiter.Violations("player-1"))
	}
}

func TestLimiterMinSpacing(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(nil, nil, WithClock(func() time.Time { return now }))

	if result := limiter.Check("player-1", ClassChat); !result.Valid {
		t.Fatalf("first chat message rejected: %+v", result)
	}
	now = now.Add(100 * time.Millisecond)
	result := limiter.Check("player-1", ClassChat)
	if result.Valid {
		t.Fatal("expected a chat message inside the spacing floor to be rejected")
	}
	if result.Code != validation.CodeRateLimited {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestLimiterViolationsPersistAcrossWindowReset(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(map[Class]Policy{
		ClassGeneral: {Window: 10 * time.Second, Limit: 2},
	}, nil, WithClock(func() time.Time { return now }))

	limiter.Check("player-1", ClassGeneral)
	now = now.Add(time.Second)
	limiter.Check("player-1", ClassGeneral)
	now = now.Add(time.Second)
	if result := limiter.Check("player-1", ClassGeneral); result.Valid {
		t.Fatal("expected the third message to exceed the budget")
	}

	now = now.Add(15 * time.Second)
	if result := limiter.Check("player-1", ClassGeneral); !result.Valid {
		t.Fatalf("expected a fresh window after the reset, got %+v", result)
	}
	if limiter.Violations("player-1") != 1 {
		t.Fatalf("violations should survive the window reset, got %d", limiter.Violations("player-1"))
	}
}

func TestLimiterClassesAreIndependent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(map[Class]Policy{
		ClassChat: {Window: time.Minute, Limit: 1},
	}, nil, WithClock(func() time.Time { return now }))

	limiter.Check("player-1", ClassChat)
	now = now.Add(2 * time.Second)
	if result := limiter.Check("player-1", ClassChat); result.Valid {
		t.Fatal("expected the chat budget to be exhausted")
	}
	if result := limiter.Check("player-1", ClassGeneral); !result.Valid {
		t.Fatalf("chat exhaustion must not affect the general budget: %+v", result)
	}
}

func TestLimiterCleanupSweepsIdlePlayers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	limiter := NewLimiter(nil, nil, WithClock(func() time.Time { return now }))

	limiter.Check("player-1", ClassGeneral)
	now = now.Add(time.Hour)
	limiter.Check("player-2", ClassGeneral)

	if removed := limiter.Cleanup(10 * time.Minute); removed != 1 {
		t.Fatalf("expected one idle player swept, got %d", removed)
	}
	if limiter.Violations("player-2") != 0 {
		t.Fatal("active player state should survive the sweep")
	}
}
