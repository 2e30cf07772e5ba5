package replayguard

import (
	"fmt"
	"sync"
	"time"

	"pactduel/trust/internal/validation"
)

const (
	// DefaultDriftTolerance bounds how far a client clock may diverge from
	// server time in either direction.
	DefaultDriftTolerance = 30 * time.Second
	// DefaultReplayWindow is the horizon beyond which messages are stale.
	DefaultReplayWindow = 5 * time.Minute
	// DefaultCollisionGap rejects a timestamp landing within this distance of
	// a prior message from the same sender.
	DefaultCollisionGap = time.Second
)

// Config tunes the temporal checks applied to inbound message timestamps.
type Config struct {
	DriftTolerance time.Duration
	ReplayWindow   time.Duration
	CollisionGap   time.Duration
}

// Guard rejects stale, future-dated, and replayed messages based on their
// client-supplied timestamps measured against server time.
type Guard struct {
	mu   sync.Mutex
	cfg  Config
	now  func() time.Time
	seen map[string][]time.Time
}

// Option customises guard construction.
type Option func(*Guard)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewGuard constructs a guard, normalising unset durations to the defaults.
func NewGuard(cfg Config, opts ...Option) *Guard {
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = DefaultDriftTolerance
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.CollisionGap <= 0 {
		cfg.CollisionGap = DefaultCollisionGap
	}
	guard := &Guard{
		cfg:  cfg,
		now:  time.Now,
		seen: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	return guard
}

// Check validates the message timestamp for the sender and records it when
// accepted. A sender with no history is admitted on first occurrence.
func (g *Guard) Check(senderID string, timestamp time.Time) validation.Result {
	if g == nil || senderID == "" {
		return validation.Accept()
	}
	now := g.now()

	//1.- Reject future-dated timestamps beyond the drift tolerance.
	if timestamp.After(now.Add(g.cfg.DriftTolerance)) {
		return validation.Reject(validation.CodeTimestampDrift,
			"message timestamp is in the future").WithRisk(validation.RiskMedium).Logged()
	}
	age := now.Sub(timestamp)
	//2.- Reject messages older than the replay window outright.
	if age > g.cfg.ReplayWindow {
		return validation.Reject(validation.CodeReplayed,
			fmt.Sprintf("message older than %s", g.cfg.ReplayWindow)).
			WithRisk(validation.RiskHigh).Logged()
	}
	if age > g.cfg.DriftTolerance {
		return validation.Reject(validation.CodeTimestampDrift,
			"message timestamp drifts too far behind server time").
			WithRisk(validation.RiskMedium)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	history := g.seen[senderID]
	cutoff := now.Add(-g.cfg.ReplayWindow)
	kept := make([]time.Time, 0, len(history)+1)
	for _, prior := range history {
		if prior.Before(cutoff) {
			continue
		}
		//3.- A timestamp landing within the collision gap of a prior message
		// defeats naive replay and duplicate submission.
		delta := timestamp.Sub(prior)
		if delta < 0 {
			delta = -delta
		}
		if delta < g.cfg.CollisionGap {
			return validation.Reject(validation.CodeTimestampCollide,
				"message timestamp collides with a prior message").
				WithRisk(validation.RiskHigh).Logged()
		}
		kept = append(kept, prior)
	}
	g.seen[senderID] = append(kept, timestamp)
	return validation.Accept()
}

// Forget drops the timestamp history for a sender.
func (g *Guard) Forget(senderID string) {
	if g == nil || senderID == "" {
		return
	}
	g.mu.Lock()
	delete(g.seen, senderID)
	g.mu.Unlock()
}

// Cleanup prunes timestamps outside the replay window and reports how many
// senders were removed entirely.
func (g *Guard) Cleanup() int {
	if g == nil {
		return 0
	}
	cutoff := g.now().Add(-g.cfg.ReplayWindow)
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for senderID, history := range g.seen {
		kept := history[:0]
		for _, prior := range history {
			if prior.After(cutoff) {
				kept = append(kept, prior)
			}
		}
		if len(kept) == 0 {
			delete(g.seen, senderID)
			removed++
			continue
		}
		g.seen[senderID] = kept
	}
	return removed
}
