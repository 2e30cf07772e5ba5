package replayguard

import (
	"testing"
	"time"

	"pactduel/trust/internal/validation"
)

func newTestGuard(now *time.Time) *Guard {
	return NewGuard(Config{}, WithClock(func() time.Time { return *now }))
}

func TestGuardRejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	result := guard.Check("player-1", now.Add(2*time.Minute))
	if result.Valid {
		t.Fatal("expected a future-dated timestamp to be rejected")
	}
	if result.Code != validation.CodeTimestampDrift {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestGuardRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	result := guard.Check("player-1", now.Add(-10*time.Minute))
	if result.Valid {
		t.Fatal("expected a timestamp beyond the replay window to be rejected")
	}
	if result.Code != validation.CodeReplayed {
		t.Fatalf("unexpected code: %q", result.Code)
	}
	if result.Risk != validation.RiskHigh {
		t.Fatalf("stale messages should carry high risk, got %q", result.Risk)
	}
}

func TestGuardRejectsDriftBehindServerTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	result := guard.Check("player-1", now.Add(-90*time.Second))
	if result.Valid {
		t.Fatal("expected a drifting timestamp inside the replay window to be rejected")
	}
	if result.Code != validation.CodeTimestampDrift {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestGuardRejectsTimestampCollision(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	if result := guard.Check("player-1", now); !result.Valid {
		t.Fatalf("first message rejected: %+v", result)
	}
	now = now.Add(5 * time.Second)
	result := guard.Check("player-1", now.Add(-5*time.Second).Add(500*time.Millisecond))
	if result.Valid {
		t.Fatal("expected a colliding timestamp to be rejected")
	}
	if result.Code != validation.CodeTimestampCollide {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestGuardAcceptsSpacedTimestamps(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	for i := 0; i < 5; i++ {
		if result := guard.Check("player-1", now); !result.Valid {
			t.Fatalf("spaced message %d rejected: %+v", i+1, result)
		}
		now = now.Add(2 * time.Second)
	}
}

func TestGuardCollisionIsPerSender(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	if result := guard.Check("player-1", now); !result.Valid {
		t.Fatalf("player-1 rejected: %+v", result)
	}
	if result := guard.Check("player-2", now); !result.Valid {
		t.Fatalf("player-2 should not collide with player-1: %+v", result)
	}
}

func TestGuardCleanupSweepsExpiredHistory(t *testing.T) {
	now := time.Unix(1700000000, 0)
	guard := newTestGuard(&now)

	guard.Check("player-1", now)
	now = now.Add(10 * time.Minute)
	if removed := guard.Cleanup(); removed != 1 {
		t.Fatalf("expected one sender swept, got %d", removed)
	}
}
