package lobbycode

import (
	crand "crypto/rand"
	"errors"
	"math"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/validation"
)

const (
	// DefaultLength is the number of characters in an issued lobby code.
	DefaultLength = 8
	// DefaultTTL bounds how long a code remains redeemable.
	DefaultTTL = 30 * time.Minute
	// DefaultMaxUsage caps redemptions per code.
	DefaultMaxUsage = 8
	// DefaultMaxAttempts bounds collision retries before Issue fails loudly.
	DefaultMaxAttempts = 16
	// DefaultMinEntropyBits is the floor for the Shannon entropy of a code.
	DefaultMinEntropyBits = 16.0
)

// alphabet omits visually ambiguous characters (0/O, 1/I/L) so codes survive
// being read aloud.
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ErrCodeSpaceExhausted is returned when Issue cannot find a unique,
// well-formed code within the bounded attempt budget.
var ErrCodeSpaceExhausted = errors.New("lobby code space exhausted")

// weakSequences are canonical runs a guessing client would try first.
var weakSequences = []string{
	"ABCDEF", "QWERTY", "123456", "234567", "345678", "654321", "ABC123",
}

// Code is a live lobby join code with its usage and expiry bookkeeping.
type Code struct {
	Value      string    `json:"value"`
	Entropy    float64   `json:"entropy_bits"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	UsageCount int       `json:"usage_count"`
	MaxUsage   int       `json:"max_usage"`
}

// Config tunes code generation and lifecycle policy.
type Config struct {
	Length         int
	TTL            time.Duration
	MaxUsage       int
	MaxAttempts    int
	MinEntropyBits float64
}

// Issuer mints unguessable, collision-free lobby join codes and tracks their
// redemption lifecycle.
type Issuer struct {
	mu     sync.Mutex
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
	rand   func([]byte) error
	live   map[string]*Code

	weakWarned bool
}

// Option customises issuer construction.
type Option func(*Issuer)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.now = clock
		}
	}
}

// WithRandSource overrides the random byte source, primarily for tests.
func WithRandSource(source func([]byte) error) Option {
	return func(i *Issuer) {
		if source != nil {
			i.rand = source
		}
	}
}

// NewIssuer constructs an issuer, normalising unset config to the defaults.
func NewIssuer(cfg Config, logger *logging.Logger, opts ...Option) *Issuer {
	if cfg.Length <= 0 {
		cfg.Length = DefaultLength
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxUsage <= 0 {
		cfg.MaxUsage = DefaultMaxUsage
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MinEntropyBits <= 0 {
		cfg.MinEntropyBits = DefaultMinEntropyBits
	}
	issuer := &Issuer{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		live:   make(map[string]*Code),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(issuer)
		}
	}
	return issuer
}

// Issue generates a fresh code, retrying on collisions and weak patterns up
// to the bounded attempt count. It never silently returns a duplicate.
func (i *Issuer) Issue() (Code, error) {
	if i == nil {
		return Code{}, errors.New("issuer not initialised")
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	for attempt := 0; attempt < i.cfg.MaxAttempts; attempt++ {
		value, err := i.generateLocked()
		if err != nil {
			return Code{}, err
		}
		if _, taken := i.live[value]; taken {
			continue
		}
		if isWeak(value) {
			continue
		}
		entropy := ShannonEntropy(value)
		if entropy < i.cfg.MinEntropyBits {
			continue
		}
		now := i.now()
		code := &Code{
			Value:     value,
			Entropy:   entropy,
			CreatedAt: now,
			ExpiresAt: now.Add(i.cfg.TTL),
			MaxUsage:  i.cfg.MaxUsage,
		}
		i.live[value] = code
		return *code, nil
	}
	return Code{}, ErrCodeSpaceExhausted
}

// Redeem increments the usage count for a live code, rejecting expired,
// exhausted, and unknown codes.
func (i *Issuer) Redeem(value string) validation.Result {
	if i == nil {
		return validation.Reject(validation.CodeUnknownSession, "issuer not initialised")
	}
	value = strings.ToUpper(strings.TrimSpace(value))
	i.mu.Lock()
	defer i.mu.Unlock()

	code := i.live[value]
	if code == nil {
		return validation.Reject(validation.CodeUnknownSession, "unknown lobby code")
	}
	now := i.now()
	if now.After(code.ExpiresAt) {
		delete(i.live, value)
		return validation.Reject(validation.CodeSessionEnded, "lobby code expired")
	}
	if code.UsageCount >= code.MaxUsage {
		return validation.Reject(validation.CodeSessionEnded, "lobby code usage exhausted")
	}
	code.UsageCount++
	return validation.Accept()
}

// Revoke removes a code from the live set before its natural expiry.
func (i *Issuer) Revoke(value string) {
	if i == nil {
		return
	}
	i.mu.Lock()
	delete(i.live, strings.ToUpper(strings.TrimSpace(value)))
	i.mu.Unlock()
}

// LiveCount reports how many codes are currently redeemable.
func (i *Issuer) LiveCount() int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.live)
}

// Cleanup sweeps expired codes and reports how many were removed.
func (i *Issuer) Cleanup() int {
	if i == nil {
		return 0
	}
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for value, code := range i.live {
		if now.After(code.ExpiresAt) {
			delete(i.live, value)
			removed++
		}
	}
	return removed
}

// generateLocked draws random characters, preferring the cryptographic source
// and falling back to the weaker PRNG with a one-time logged warning.
func (i *Issuer) generateLocked() (string, error) {
	buf := make([]byte, i.cfg.Length)
	source := i.rand
	if source == nil {
		source = func(b []byte) error {
			_, err := crand.Read(b)
			return err
		}
	}
	if err := source(buf); err != nil {
		if !i.weakWarned {
			i.weakWarned = true
			if i.logger != nil {
				i.logger.Warn("crypto rand unavailable, falling back to weak PRNG",
					logging.Error(err))
			}
		}
		for idx := range buf {
			buf[idx] = byte(mrand.Intn(256))
		}
	}
	out := make([]byte, i.cfg.Length)
	for idx, b := range buf {
		out[idx] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// ShannonEntropy computes the character-frequency Shannon entropy of the code
// in bits, scaled by its length.
func ShannonEntropy(value string) float64 {
	if value == "" {
		return 0
	}
	freq := make(map[rune]float64, len(value))
	for _, r := range value {
		freq[r]++
	}
	length := float64(len(value))
	entropy := 0.0
	for _, count := range freq {
		p := count / length
		entropy -= p * math.Log2(p)
	}
	return entropy * length
}

// isWeak reports whether the code matches a canonical weak pattern: a single
// repeated character, a monotonic run, or a known sequence.
func isWeak(value string) bool {
	if value == "" {
		return true
	}
	allSame := true
	ascending := true
	descending := true
	for idx := 1; idx < len(value); idx++ {
		if value[idx] != value[0] {
			allSame = false
		}
		if value[idx] != value[idx-1]+1 {
			ascending = false
		}
		if value[idx] != value[idx-1]-1 {
			descending = false
		}
	}
	if allSame || ascending || descending {
		return true
	}
	for _, seq := range weakSequences {
		if strings.Contains(value, seq) {
			return true
		}
	}
	return false
}
