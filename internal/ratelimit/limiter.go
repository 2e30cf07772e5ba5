package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/validation"
)

// Class separates rate budgets so chat flooding cannot contaminate the
// general or host-action counters.
type Class string

const (
	ClassGeneral Class = "general"
	ClassChat    Class = "chat"
	ClassHost    Class = "host"
)

// Policy bounds one message class: a rolling window count plus a minimum
// spacing between consecutive accepted messages.
type Policy struct {
	Window     time.Duration
	Limit      int
	MinSpacing time.Duration
}

// DefaultPolicies carries the production budgets for each message class.
var DefaultPolicies = map[Class]Policy{
	ClassGeneral: {Window: time.Minute, Limit: 30, MinSpacing: 50 * time.Millisecond},
	ClassChat:    {Window: time.Minute, Limit: 10, MinSpacing: 1000 * time.Millisecond},
	ClassHost:    {Window: time.Minute, Limit: 5, MinSpacing: 1000 * time.Millisecond},
}

// window tracks the rolling counters for one player/class pair.
type window struct {
	start      time.Time
	count      int
	last       time.Time
	violations int
}

// Limiter enforces per-class sliding window budgets keyed by player.
type Limiter struct {
	mu       sync.Mutex
	policies map[Class]Policy
	logger   *logging.Logger
	now      func() time.Time
	windows  map[string]map[Class]*window
}

// Option customises limiter construction.
type Option func(*Limiter)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLimiter builds a limiter with the supplied policies, falling back to the
// defaults for any class left unset.
func NewLimiter(policies map[Class]Policy, logger *logging.Logger, opts ...Option) *Limiter {
	merged := make(map[Class]Policy, len(DefaultPolicies))
	for class, policy := range DefaultPolicies {
		merged[class] = policy
	}
	for class, policy := range policies {
		if policy.Window > 0 && policy.Limit > 0 {
			merged[class] = policy
		}
	}
	limiter := &Limiter{
		policies: merged,
		logger:   logger,
		now:      time.Now,
		windows:  make(map[string]map[Class]*window),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(limiter)
		}
	}
	return limiter
}

// Check reports whether the player may send another message of the supplied
// class, recording a violation when either the spacing or window budget is
// exhausted.
func (l *Limiter) Check(playerID string, class Class) validation.Result {
	if l == nil || playerID == "" {
		return validation.Accept()
	}
	policy, ok := l.policies[class]
	if !ok {
		policy = l.policies[ClassGeneral]
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	byClass := l.windows[playerID]
	if byClass == nil {
		byClass = make(map[Class]*window)
		l.windows[playerID] = byClass
	}
	state := byClass[class]
	if state == nil {
		//1.- First message for this class: open a fresh window and admit it.
		byClass[class] = &window{start: now, count: 1, last: now}
		return validation.Accept()
	}

	if now.Sub(state.start) >= policy.Window {
		//2.- Roll the window forward; violations persist across resets.
		state.start = now
		state.count = 0
	}

	if policy.MinSpacing > 0 && now.Sub(state.last) < policy.MinSpacing {
		state.violations++
		return validation.Reject(validation.CodeRateLimited,
			fmt.Sprintf("messages too close together for class %s", class)).
			WithRisk(validation.RiskMedium)
	}
	if state.count >= policy.Limit {
		state.violations++
		if l.logger != nil {
			l.logger.Warn("rate window exhausted",
				logging.String("player_id", playerID),
				logging.String("class", string(class)),
				logging.Int("violations", state.violations),
			)
		}
		return validation.Reject(validation.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for class %s", class)).
			WithRisk(validation.RiskMedium).Logged()
	}

	state.count++
	state.last = now
	return validation.Accept()
}

// Violations sums the accumulated violation count across every class for the
// player. The total persists across window resets and feeds anti-cheat.
func (l *Limiter) Violations(playerID string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, state := range l.windows[playerID] {
		total += state.violations
	}
	return total
}

// Forget clears all windows tracked for the player.
func (l *Limiter) Forget(playerID string) {
	if l == nil || playerID == "" {
		return
	}
	l.mu.Lock()
	delete(l.windows, playerID)
	l.mu.Unlock()
}

// Cleanup sweeps windows idle for longer than maxIdle and reports the number
// of players removed.
func (l *Limiter) Cleanup(maxIdle time.Duration) int {
	if l == nil || maxIdle <= 0 {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for playerID, byClass := range l.windows {
		stale := true
		for _, state := range byClass {
			if state.last.After(cutoff) {
				stale = false
				break
			}
		}
		if stale {
			delete(l.windows, playerID)
			removed++
		}
	}
	return removed
}
