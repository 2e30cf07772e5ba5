package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/ratelimit"
	"pactduel/trust/internal/replayguard"
	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

const (
	// DefaultMaxPayloadBytes is the hard ceiling on a single inbound frame.
	DefaultMaxPayloadBytes = 10 * 1024
	// DefaultDuplicateWindow bounds the duplicate-content detection horizon.
	DefaultDuplicateWindow = time.Minute
	// DefaultDuplicateThreshold rejects the Nth identical submission.
	DefaultDuplicateThreshold = 3
	// DefaultSpamThreshold rejects senders already carrying this many
	// rapid-messaging or spam flags, regardless of the current message.
	DefaultSpamThreshold = 5
)

// Config tunes the message validation pipeline.
type Config struct {
	MaxPayloadBytes    int
	DuplicateWindow    time.Duration
	DuplicateThreshold int
	SpamThreshold      int
}

// flagger accumulates suspicious-pattern signals into the risk model and
// exposes the accumulated totals for the spam gate. The anti-cheat engine
// satisfies it, so every flag moves both the pattern table and the risk score.
type flagger interface {
	Flag(playerID string, pattern suspect.PatternType)
	Total(playerID string, patterns ...suspect.PatternType) int
}

// Validator runs the ordered, short-circuiting message pipeline: structure,
// size, rate, replay, content, duplicate-content, spam-pattern. Every stage
// returns the uniform validation.Result.
type Validator struct {
	cfg        Config
	logger     *logging.Logger
	schema     *jsonschema.Schema
	limiter    *ratelimit.Limiter
	replay     *replayguard.Guard
	risks      flagger
	exempt     func(Envelope) bool
	duplicates *duplicateTracker
	now        func() time.Time
}

// Option customises validator construction.
type Option func(*Validator)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) {
		if clock != nil {
			v.now = clock
		}
	}
}

// WithTimingExemption marks envelopes for which the rate and replay gates are
// skipped. Used for AI-controlled participants, which are not adversarial and
// legitimately act faster than any human budget allows.
func WithTimingExemption(exempt func(Envelope) bool) Option {
	return func(v *Validator) {
		v.exempt = exempt
	}
}

// NewValidator compiles the envelope schema and wires the shared limiter,
// replay guard, and risk flagger into the pipeline.
func NewValidator(cfg Config, limiter *ratelimit.Limiter, replay *replayguard.Guard, risks flagger, logger *logging.Logger, opts ...Option) (*Validator, error) {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = DefaultDuplicateWindow
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = DefaultDuplicateThreshold
	}
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = DefaultSpamThreshold
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", strings.NewReader(envelopeSchema)); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}

	validator := &Validator{
		cfg:     cfg,
		logger:  logger,
		schema:  schema,
		limiter: limiter,
		replay:  replay,
		risks:   risks,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	validator.duplicates = newDuplicateTracker(cfg.DuplicateWindow, cfg.DuplicateThreshold, validator.now)
	return validator, nil
}

// Check runs the full pipeline over a raw frame attributed to the bound
// player identity of the sending connection. On success the decoded envelope
// is returned for the type-specific validators downstream.
func (v *Validator) Check(boundPlayerID string, raw []byte) (Envelope, validation.Result) {
	if v == nil {
		return Envelope{}, validation.Accept()
	}

	//1.- Size gate first: oversized frames are never parsed.
	if len(raw) > v.cfg.MaxPayloadBytes {
		return Envelope{}, validation.Reject(validation.CodeOversized,
			fmt.Sprintf("payload exceeds %d bytes", v.cfg.MaxPayloadBytes)).
			WithRisk(validation.RiskMedium)
	}

	//2.- Structural gate: the frame must satisfy the envelope schema.
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Envelope{}, validation.Reject(validation.CodeMalformed, "payload is not valid JSON")
	}
	if err := v.schema.Validate(decoded); err != nil {
		return Envelope{}, validation.Reject(validation.CodeMalformed, "payload fails structural validation")
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, validation.Reject(validation.CodeMalformed, "payload fails structural validation")
	}
	if !Known(envelope.Type) {
		//3.- Unknown tags are a distinct rejected variant, not a type error.
		return envelope, validation.Reject(validation.CodeUnknownType,
			fmt.Sprintf("unrecognised message type %q", envelope.Type))
	}

	//4.- The sender identity inside the payload must equal the bound one.
	if envelope.PlayerID != boundPlayerID {
		return envelope, validation.Reject(validation.CodeIdentityMismatch,
			"payload sender does not match the bound identity").
			WithRisk(validation.RiskCritical).Blocking().Logged()
	}

	//5.- Timing gates, skipped for exempt senders such as AI participants.
	timed := v.exempt == nil || !v.exempt(envelope)

	//6.- Rate gate, using the class budget for this message type.
	if timed && v.limiter != nil {
		if result := v.limiter.Check(envelope.PlayerID, ClassOf(envelope.Type)); !result.Valid {
			if v.risks != nil {
				v.risks.Flag(envelope.PlayerID, suspect.RapidMessaging)
			}
			return envelope, result
		}
	}

	//7.- Replay gate against the claimed timestamp.
	if timed && v.replay != nil {
		if result := v.replay.Check(envelope.PlayerID, envelope.Timestamp()); !result.Valid {
			return envelope, result
		}
	}

	//8.- Content gate: scan the raw bytes against the injection deny-list.
	if scanDenyList(raw) {
		if v.risks != nil {
			v.risks.Flag(envelope.PlayerID, suspect.MaliciousPayload)
		}
		if v.logger != nil {
			v.logger.Warn("malicious payload pattern detected",
				logging.String("player_id", envelope.PlayerID),
				logging.String("type", string(envelope.Type)),
			)
		}
		return envelope, validation.Reject(validation.CodeMaliciousPayload,
			"payload matches a known malicious pattern").
			WithRisk(validation.RiskCritical).Blocking().Logged()
	}

	//9.- Duplicate-content gate: identical type+payload repeated inside the
	// window is flagged and rejected at the threshold.
	if count := v.duplicates.observe(envelope.PlayerID, envelope.Type, envelope.Payload); count >= v.cfg.DuplicateThreshold {
		if v.risks != nil {
			v.risks.Flag(envelope.PlayerID, suspect.DuplicateContent)
		}
		return envelope, validation.Reject(validation.CodeDuplicateContent,
			"identical message repeated too often").
			WithRisk(validation.RiskMedium).Logged()
	}

	//10.- Spam-pattern gate: a sender with too many prior flags is rejected
	// outright, independent of this message's own validity.
	if v.risks != nil {
		flags := v.risks.Total(envelope.PlayerID, suspect.RapidMessaging, suspect.SpamContent)
		if flags >= v.cfg.SpamThreshold {
			return envelope, validation.Reject(validation.CodeSpamPattern,
				"sender flagged for sustained spam behaviour").
				WithRisk(validation.RiskHigh).Blocking().Logged()
		}
	}

	return envelope, validation.Accept()
}

// Forget clears per-sender duplicate history when a connection closes.
func (v *Validator) Forget(playerID string) {
	if v == nil {
		return
	}
	v.duplicates.forget(playerID)
}

// Cleanup prunes expired duplicate-content history.
func (v *Validator) Cleanup() int {
	if v == nil {
		return 0
	}
	return v.duplicates.cleanup()
}
