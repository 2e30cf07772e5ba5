package suspect

import (
	"sync"
	"time"
)

// PatternType enumerates the suspicious behaviours tracked by the trust layer.
type PatternType string

const (
	RapidMessaging      PatternType = "rapid_messaging"
	DuplicateContent    PatternType = "duplicate_content"
	SpamContent         PatternType = "spam_content"
	MaliciousPayload    PatternType = "malicious_payload"
	UnauthorizedAction  PatternType = "unauthorized_action"
	ImpossibleTiming    PatternType = "impossible_timing"
	StatisticalAnomaly  PatternType = "statistical_anomaly"
	PatternManipulation PatternType = "pattern_manipulation"
	DuplicateSession    PatternType = "duplicate_session"
)

// String returns the textual representation of the pattern type.
func (p PatternType) String() string { return string(p) }

// Pattern records the accumulated occurrences of one behaviour for one player.
type Pattern struct {
	PlayerID    string      `json:"player_id"`
	Type        PatternType `json:"type"`
	Occurrences int         `json:"occurrences"`
	FirstSeen   time.Time   `json:"first_seen"`
	LastSeen    time.Time   `json:"last_seen"`
}

// Table accumulates suspicious pattern occurrences per player. Entries grow
// monotonically until age-based cleanup removes them.
type Table struct {
	mu      sync.RWMutex
	entries map[string]map[PatternType]*Pattern
	now     func() time.Time
}

// Option customises table construction.
type Option func(*Table)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Table) {
		if clock != nil {
			t.now = clock
		}
	}
}

// NewTable provisions an empty suspicious pattern table.
func NewTable(opts ...Option) *Table {
	table := &Table{
		entries: make(map[string]map[PatternType]*Pattern),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(table)
		}
	}
	return table
}

// Record increments the occurrence count for the player/pattern pair and
// returns the updated total.
func (t *Table) Record(playerID string, pattern PatternType) int {
	if t == nil || playerID == "" {
		return 0
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	byType := t.entries[playerID]
	if byType == nil {
		byType = make(map[PatternType]*Pattern)
		t.entries[playerID] = byType
	}
	entry := byType[pattern]
	if entry == nil {
		entry = &Pattern{PlayerID: playerID, Type: pattern, FirstSeen: now}
		byType[pattern] = entry
	}
	entry.Occurrences++
	entry.LastSeen = now
	return entry.Occurrences
}

// Count reports the occurrences of a single pattern for the player.
func (t *Table) Count(playerID string, pattern PatternType) int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry := t.entries[playerID][pattern]; entry != nil {
		return entry.Occurrences
	}
	return 0
}

// Total sums the occurrences of the supplied pattern types for the player.
func (t *Table) Total(playerID string, patterns ...PatternType) int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	byType := t.entries[playerID]
	if byType == nil {
		return 0
	}
	total := 0
	for _, pattern := range patterns {
		if entry := byType[pattern]; entry != nil {
			total += entry.Occurrences
		}
	}
	return total
}

// Snapshot returns copies of the player's pattern entries for observability.
func (t *Table) Snapshot(playerID string) []Pattern {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	byType := t.entries[playerID]
	if len(byType) == 0 {
		return nil
	}
	patterns := make([]Pattern, 0, len(byType))
	for _, entry := range byType {
		patterns = append(patterns, *entry)
	}
	return patterns
}

// Cleanup removes patterns whose last occurrence is older than maxAge and
// reports how many entries were swept.
func (t *Table) Cleanup(maxAge time.Duration) int {
	if t == nil || maxAge <= 0 {
		return 0
	}
	cutoff := t.now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for playerID, byType := range t.entries {
		for pattern, entry := range byType {
			if entry.LastSeen.Before(cutoff) {
				delete(byType, pattern)
				removed++
			}
		}
		if len(byType) == 0 {
			delete(t.entries, playerID)
		}
	}
	return removed
}

// Forget drops every pattern tracked for the player.
func (t *Table) Forget(playerID string) {
	if t == nil || playerID == "" {
		return
	}
	t.mu.Lock()
	delete(t.entries, playerID)
	t.mu.Unlock()
}
