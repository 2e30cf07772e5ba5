package message

import (
	"hash/fnv"
	"regexp"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

// denyList holds the injection and prototype-pollution patterns scanned
// against raw payload bytes. The list is deliberately small; structural
// validation already constrains the payload shape.
var denyList = []*regexp.Regexp{
	regexp.MustCompile(`(?i)__proto__`),
	regexp.MustCompile(`(?i)"constructor"\s*:`),
	regexp.MustCompile(`(?i)"prototype"\s*:`),
	regexp.MustCompile(`(?i)<script[\s>]`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)\$where`),
	regexp.MustCompile(`(?i)process\.env`),
}

// scanDenyList reports whether the payload matches a known malicious pattern.
func scanDenyList(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	for _, pattern := range denyList {
		if pattern.Match(payload) {
			return true
		}
	}
	return false
}

const (
	bloomExpectedItems  = 50000
	bloomFalsePositive  = 0.001
	duplicateSliceCount = 2
)

// contentSeen records one exact observation for the per-sender history.
type contentSeen struct {
	digest uint64
	at     time.Time
}

// duplicateTracker detects repeated identical type+payload submissions from
// one sender inside the duplicate window. Rotating bloom slices provide a
// cheap negative fast path; an exact per-sender history resolves positives so
// bloom false positives never reject a message on their own.
type duplicateTracker struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	now       func() time.Time

	slices    [duplicateSliceCount]*bloom.BloomFilter
	rotatedAt time.Time
	history   map[string][]contentSeen
}

func newDuplicateTracker(window time.Duration, threshold int, clock func() time.Time) *duplicateTracker {
	if window <= 0 {
		window = time.Minute
	}
	if threshold <= 0 {
		threshold = 3
	}
	if clock == nil {
		clock = time.Now
	}
	tracker := &duplicateTracker{
		window:    window,
		threshold: threshold,
		now:       clock,
		history:   make(map[string][]contentSeen),
	}
	for idx := range tracker.slices {
		tracker.slices[idx] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	}
	tracker.rotatedAt = clock()
	return tracker
}

// digest hashes the sender, type, and payload into the duplicate key.
func digest(senderID string, msgType Type, payload []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(senderID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(msgType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return h.Sum64()
}

// observe records the submission and reports how many identical submissions
// the sender has made inside the window, including this one.
func (d *duplicateTracker) observe(senderID string, msgType Type, payload []byte) int {
	if d == nil {
		return 1
	}
	key := digest(senderID, msgType, payload)
	var keyBytes [8]byte
	for idx := 0; idx < 8; idx++ {
		keyBytes[idx] = byte(key >> (8 * idx))
	}
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.rotateLocked(now)

	fresh := true
	for _, slice := range d.slices {
		if slice.Test(keyBytes[:]) {
			fresh = false
			break
		}
	}
	d.slices[0].Add(keyBytes[:])

	if fresh {
		//1.- A bloom miss is authoritative: the content was not seen recently.
		d.history[senderID] = appendSeen(d.history[senderID], contentSeen{digest: key, at: now}, now.Add(-d.window))
		return 1
	}

	//2.- A bloom hit may be a false positive, so count against exact history.
	kept := appendSeen(d.history[senderID], contentSeen{digest: key, at: now}, now.Add(-d.window))
	d.history[senderID] = kept
	count := 0
	for _, seen := range kept {
		if seen.digest == key {
			count++
		}
	}
	return count
}

// rotateLocked ages out the older bloom slice once per window.
func (d *duplicateTracker) rotateLocked(now time.Time) {
	if now.Sub(d.rotatedAt) < d.window {
		return
	}
	d.slices[1] = d.slices[0]
	d.slices[0] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	d.rotatedAt = now
}

// cleanup prunes expired history entries and reports removed senders.
func (d *duplicateTracker) cleanup() int {
	if d == nil {
		return 0
	}
	cutoff := d.now().Add(-d.window)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for senderID, history := range d.history {
		kept := history[:0]
		for _, seen := range history {
			if seen.at.After(cutoff) {
				kept = append(kept, seen)
			}
		}
		if len(kept) == 0 {
			delete(d.history, senderID)
			removed++
			continue
		}
		d.history[senderID] = kept
	}
	return removed
}

// forget drops the sender's exact history.
func (d *duplicateTracker) forget(senderID string) {
	if d == nil || senderID == "" {
		return
	}
	d.mu.Lock()
	delete(d.history, senderID)
	d.mu.Unlock()
}

func appendSeen(history []contentSeen, entry contentSeen, cutoff time.Time) []contentSeen {
	kept := history[:0]
	for _, seen := range history {
		if seen.at.After(cutoff) {
			kept = append(kept, seen)
		}
	}
	return append(kept, entry)
}
