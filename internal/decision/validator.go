package decision

import (
	"fmt"
	"sync"
	"time"

	"pactduel/trust/internal/validation"
)

// Phase enumerates the session states a trust game session moves through.
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseTrust    Phase = "trust"
	PhaseReversal Phase = "reversal"
	PhaseEnded    Phase = "ended"
)

// acceptsDecisions reports whether player decisions are accepted in the phase.
func (p Phase) acceptsDecisions() bool {
	return p == PhaseTrust || p == PhaseReversal
}

// submissions tracks how many decisions each player lodged for one round,
// split by phase so the reversal allowance stays independent.
type submissions struct {
	trust    map[string]int
	reversal map[string]int
}

type sessionState struct {
	phase     Phase
	maxRounds int
	rounds    map[int]*submissions
	ai        map[string]struct{}
	updatedAt time.Time
}

// Validator applies the game-state-aware checks: session liveness, phase,
// round bounds, and the one-decision-per-round rule with its reversal-phase
// exception. Session state is fed from the authoritative session runner.
type Validator struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*sessionState
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

// NewValidator constructs an empty session-aware decision validator.
func NewValidator(opts ...Option) *Validator {
	validator := &Validator{
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

// UpsertSession registers or refreshes a session with its phase and bounds.
func (v *Validator) UpsertSession(sessionID string, phase Phase, maxRounds int) {
	if v == nil || sessionID == "" || maxRounds <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.sessions[sessionID]
	if state == nil {
		state = &sessionState{
			rounds: make(map[int]*submissions),
			ai:     make(map[string]struct{}),
		}
		v.sessions[sessionID] = state
	}
	state.phase = phase
	state.maxRounds = maxRounds
	state.updatedAt = v.now()
}

// SetPhase transitions an existing session to a new phase.
func (v *Validator) SetPhase(sessionID string, phase Phase) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if state := v.sessions[sessionID]; state != nil {
		state.phase = phase
		state.updatedAt = v.now()
	}
}

// MarkAI records that a participant is AI-controlled. AI participants are not
// adversarial and bypass the timing and rate gates upstream.
func (v *Validator) MarkAI(sessionID, playerID string) {
	if v == nil || playerID == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if state := v.sessions[sessionID]; state != nil {
		state.ai[playerID] = struct{}{}
	}
}

// IsAI reports whether the participant was marked as AI-controlled.
func (v *Validator) IsAI(sessionID, playerID string) bool {
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.sessions[sessionID]
	if state == nil {
		return false
	}
	_, ok := state.ai[playerID]
	return ok
}

// EndSession marks the session ended; subsequent decisions are rejected.
func (v *Validator) EndSession(sessionID string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if state := v.sessions[sessionID]; state != nil {
		state.phase = PhaseEnded
		state.updatedAt = v.now()
	}
}

// RemoveSession drops all state for the session.
func (v *Validator) RemoveSession(sessionID string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	delete(v.sessions, sessionID)
	v.mu.Unlock()
}

// ValidateDecision checks that the session accepts decisions, the round is in
// bounds, and the player has not already decided this round in the current
// phase. The reversal phase permits exactly one superseding decision. The
// decision is recorded on acceptance.
func (v *Validator) ValidateDecision(sessionID, playerID string, round int) validation.Result {
	if v == nil {
		return validation.Accept()
	}
	if sessionID == "" || playerID == "" {
		return validation.Reject(validation.CodeMalformed, "session and player ids are required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	state := v.sessions[sessionID]
	if state == nil {
		return validation.Reject(validation.CodeUnknownSession, "session does not exist")
	}
	if state.phase == PhaseEnded {
		return validation.Reject(validation.CodeSessionEnded, "session has ended")
	}
	if !state.phase.acceptsDecisions() {
		return validation.Reject(validation.CodeInvalidPhase,
			fmt.Sprintf("decisions are not accepted in the %s phase", state.phase))
	}
	if round < 1 || round > state.maxRounds {
		return validation.Reject(validation.CodeInvalidRound,
			fmt.Sprintf("round %d outside session bounds [1,%d]", round, state.maxRounds)).
			WithRisk(validation.RiskMedium)
	}

	subs := state.rounds[round]
	if subs == nil {
		subs = &submissions{trust: make(map[string]int), reversal: make(map[string]int)}
		state.rounds[round] = subs
	}
	switch state.phase {
	case PhaseTrust:
		if subs.trust[playerID] >= 1 {
			return validation.Reject(validation.CodeDuplicateDecision,
				"duplicate round decision").WithRisk(validation.RiskMedium).Logged()
		}
		subs.trust[playerID]++
	case PhaseReversal:
		//1.- The reversal phase permits exactly one superseding decision per
		// player per round, independent of the trust-phase submission.
		if subs.reversal[playerID] >= 1 {
			return validation.Reject(validation.CodeDuplicateDecision,
				"reversal already used for this round").WithRisk(validation.RiskMedium).Logged()
		}
		subs.reversal[playerID]++
	}
	state.updatedAt = v.now()
	return validation.Accept()
}

// Cleanup removes sessions idle for longer than maxIdle and reports how many
// were swept.
func (v *Validator) Cleanup(maxIdle time.Duration) int {
	if v == nil || maxIdle <= 0 {
		return 0
	}
	cutoff := v.now().Add(-maxIdle)
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for sessionID, state := range v.sessions {
		if state.updatedAt.Before(cutoff) {
			delete(v.sessions, sessionID)
			removed++
		}
	}
	return removed
}
