package anticheat

import (
	"fmt"
	"sync"
	"time"

	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

const (
	// DefaultRiskThreshold blocks result acceptance once a player's risk
	// score reaches it.
	DefaultRiskThreshold = 75.0
	// DefaultMinMatchDuration is the shortest plausible legitimate match.
	DefaultMinMatchDuration = 30 * time.Second
	// DefaultMaxMatchDuration bounds how long a match may run before its
	// result is implausible.
	DefaultMaxMatchDuration = 30 * time.Minute
	// DefaultFutureTolerance allows small clock skew on result timestamps.
	DefaultFutureTolerance = 5 * time.Second
	// DefaultDeviationMultiplier flags scores this many times above the
	// running tournament average.
	DefaultDeviationMultiplier = 2.0
	// DefaultDecayPerSweep is subtracted from every risk score on each
	// periodic cleanup pass.
	DefaultDecayPerSweep = 5.0
	// DefaultMaxPointsPerRound is the highest single-round payoff.
	DefaultMaxPointsPerRound = 5
	// DefaultMaxCombinedPerRound is the highest combined two-player payoff
	// for a single round.
	DefaultMaxCombinedPerRound = 6
)

// defaultWeights grade how strongly each flagged behaviour moves the risk
// score. Impossible timing and duplicate sessions are the strongest signals.
var defaultWeights = map[suspect.PatternType]float64{
	suspect.ImpossibleTiming:    30,
	suspect.DuplicateSession:    30,
	suspect.PatternManipulation: 20,
	suspect.StatisticalAnomaly:  20,
	suspect.MaliciousPayload:    20,
	suspect.UnauthorizedAction:  15,
	suspect.RapidMessaging:      10,
	suspect.SpamContent:         10,
	suspect.DuplicateContent:    5,
}

// Config tunes the statistical plausibility checks and risk policy. Every
// threshold here is policy, not a correctness constant, and should be
// validated empirically per deployment.
type Config struct {
	RiskThreshold       float64
	MinMatchDuration    time.Duration
	MaxMatchDuration    time.Duration
	FutureTolerance     time.Duration
	DeviationMultiplier float64
	DecayPerSweep       float64
	MaxPointsPerRound   int
	MaxCombinedPerRound int
	Weights             map[suspect.PatternType]float64
}

// Metrics is the per-player risk snapshot exposed to soft-ban dashboards.
type Metrics struct {
	PlayerID         string                `json:"player_id"`
	RiskScore        float64               `json:"risk_score"`
	FlaggedBehaviors []suspect.PatternType `json:"flagged_behaviors,omitempty"`
	LastSuspicious   time.Time             `json:"last_suspicious,omitempty"`
	Blocked          bool                  `json:"blocked"`
}

// MatchMetadata is the authoritative server-side record a submitted result is
// validated against. It must never be populated from client payloads.
type MatchMetadata struct {
	MatchID      string
	TournamentID string
	Participants [2]string
	TotalRounds  int
	StartedAt    time.Time
}

// ParticipantResult carries one player's claimed totals for a finished match.
type ParticipantResult struct {
	PlayerID     string `json:"player_id"`
	Score        int    `json:"score"`
	Cooperations int    `json:"cooperations"`
	Defections   int    `json:"defections"`
}

// MatchResult is a client-submitted match completion claim.
type MatchResult struct {
	MatchID      string               `json:"match_id"`
	WinnerID     string               `json:"winner_id"`
	LoserID      string               `json:"loser_id"`
	Participants [2]ParticipantResult `json:"participants"`
	CompletedAt  time.Time            `json:"completed_at"`
}

type playerRisk struct {
	score          float64
	flagged        map[suspect.PatternType]struct{}
	lastSuspicious time.Time
}

type tournamentStats struct {
	results  int
	scoreSum float64
}

// Engine accumulates weighted risk from flagged behaviours and validates
// submitted match results against authoritative metadata and statistical
// plausibility bounds.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	logger   *logging.Logger
	table    *suspect.Table
	now      func() time.Time
	observe  func(pattern suspect.PatternType)
	risks    map[string]*playerRisk
	sessions map[string]string
	averages map[string]*tournamentStats
}

// Option customises engine construction.
type Option func(*Engine)

// WithClock injects a deterministic time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithFlagObserver registers a callback invoked on every recorded flag, used
// to feed bounded-cardinality counters without polling player state.
func WithFlagObserver(observe func(pattern suspect.PatternType)) Option {
	return func(e *Engine) {
		if observe != nil {
			e.observe = observe
		}
	}
}

// NewEngine wires the engine to the shared suspicious pattern table.
func NewEngine(cfg Config, table *suspect.Table, logger *logging.Logger, opts ...Option) *Engine {
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = DefaultRiskThreshold
	}
	if cfg.MinMatchDuration <= 0 {
		cfg.MinMatchDuration = DefaultMinMatchDuration
	}
	if cfg.MaxMatchDuration <= 0 {
		cfg.MaxMatchDuration = DefaultMaxMatchDuration
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = DefaultFutureTolerance
	}
	if cfg.DeviationMultiplier <= 0 {
		cfg.DeviationMultiplier = DefaultDeviationMultiplier
	}
	if cfg.DecayPerSweep <= 0 {
		cfg.DecayPerSweep = DefaultDecayPerSweep
	}
	if cfg.MaxPointsPerRound <= 0 {
		cfg.MaxPointsPerRound = DefaultMaxPointsPerRound
	}
	if cfg.MaxCombinedPerRound <= 0 {
		cfg.MaxCombinedPerRound = DefaultMaxCombinedPerRound
	}
	if cfg.Weights == nil {
		cfg.Weights = defaultWeights
	}
	engine := &Engine{
		cfg:      cfg,
		logger:   logger,
		table:    table,
		now:      time.Now,
		risks:    make(map[string]*playerRisk),
		sessions: make(map[string]string),
		averages: make(map[string]*tournamentStats),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Flag records a suspicious behaviour for the player and moves their risk
// score by the configured weight.
func (e *Engine) Flag(playerID string, pattern suspect.PatternType) {
	if e == nil || playerID == "" {
		return
	}
	if e.table != nil {
		e.table.Record(playerID, pattern)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flagLocked(playerID, pattern)
}

// Total reports the player's accumulated occurrences across the given
// patterns. It exists so validators that flag through the engine can also read
// the shared table through the same handle.
func (e *Engine) Total(playerID string, patterns ...suspect.PatternType) int {
	if e == nil || e.table == nil {
		return 0
	}
	return e.table.Total(playerID, patterns...)
}

// IsBlocked reports whether the player's risk score has crossed the blocking
// threshold. Blocked players have subsequent results rejected outright.
func (e *Engine) IsBlocked(playerID string) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	risk := e.risks[playerID]
	return risk != nil && risk.score >= e.cfg.RiskThreshold
}

// RiskScore returns the player's current score on the 0-100 scale.
func (e *Engine) RiskScore(playerID string) float64 {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if risk := e.risks[playerID]; risk != nil {
		return risk.score
	}
	return 0
}

// SnapshotMetrics exposes the player's risk state for monitoring dashboards.
func (e *Engine) SnapshotMetrics(playerID string) Metrics {
	if e == nil {
		return Metrics{PlayerID: playerID}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	metrics := Metrics{PlayerID: playerID}
	risk := e.risks[playerID]
	if risk == nil {
		return metrics
	}
	metrics.RiskScore = risk.score
	metrics.LastSuspicious = risk.lastSuspicious
	metrics.Blocked = risk.score >= e.cfg.RiskThreshold
	for pattern := range risk.flagged {
		metrics.FlaggedBehaviors = append(metrics.FlaggedBehaviors, pattern)
	}
	return metrics
}

// ValidateMatchResult checks a submitted result against the authoritative
// match metadata. Statistical deviation is flagged rather than rejected; every
// hard violation both rejects the result and raises the submitting players'
// risk scores.
func (e *Engine) ValidateMatchResult(result MatchResult, meta MatchMetadata) validation.Result {
	if e == nil {
		return validation.Accept()
	}

	//1.- Blocked players cannot have results accepted at all.
	for _, participant := range meta.Participants {
		if e.IsBlocked(participant) {
			return validation.Reject(validation.CodePlayerBlocked,
				"participant is blocked pending review").
				WithRisk(validation.RiskCritical).Logged()
		}
	}

	//2.- The claim must reference the authoritative active match exactly.
	if result.MatchID != meta.MatchID || !sameParticipants(result, meta) {
		e.flagBoth(meta, suspect.PatternManipulation)
		return validation.Reject(validation.CodeResultMismatch,
			"result does not match the active match").
			WithRisk(validation.RiskHigh).Logged()
	}
	if !participantOf(meta, result.WinnerID) || !participantOf(meta, result.LoserID) || result.WinnerID == result.LoserID {
		e.flagBoth(meta, suspect.PatternManipulation)
		return validation.Reject(validation.CodeResultMismatch,
			"winner and loser must be distinct match participants").
			WithRisk(validation.RiskHigh).Logged()
	}

	rounds := meta.TotalRounds
	maxScore := rounds * e.cfg.MaxPointsPerRound
	combined := 0
	for _, claim := range result.Participants {
		//3.- Scores must fall inside the theoretically reachable range.
		if claim.Score < 0 || claim.Score > maxScore {
			e.flagBoth(meta, suspect.StatisticalAnomaly)
			return validation.Reject(validation.CodeScoreOutOfRange,
				fmt.Sprintf("score %d outside reachable range [0,%d]", claim.Score, maxScore)).
				WithRisk(validation.RiskHigh).Logged()
		}
		//4.- Decision counts must account for every round exactly once.
		if claim.Cooperations < 0 || claim.Defections < 0 || claim.Cooperations+claim.Defections != rounds {
			e.flagBoth(meta, suspect.PatternManipulation)
			return validation.Reject(validation.CodeDecisionMismatch,
				"decision counts do not sum to total rounds").
				WithRisk(validation.RiskHigh).Logged()
		}
		combined += claim.Score
	}
	if combined > rounds*e.cfg.MaxCombinedPerRound {
		e.flagBoth(meta, suspect.StatisticalAnomaly)
		return validation.Reject(validation.CodeScoreOutOfRange,
			"combined score exceeds the combined theoretical maximum").
			WithRisk(validation.RiskHigh).Logged()
	}

	now := e.now()
	//5.- Future-dated completions beyond a small tolerance are rejected.
	if result.CompletedAt.After(now.Add(e.cfg.FutureTolerance)) {
		e.flagBoth(meta, suspect.ImpossibleTiming)
		return validation.Reject(validation.CodeFutureTimestamp,
			"result completion timestamp is in the future").
			WithRisk(validation.RiskHigh).Logged()
	}
	//6.- Elapsed time is measured from the authoritative start, never the claim.
	elapsed := result.CompletedAt.Sub(meta.StartedAt)
	if elapsed < e.cfg.MinMatchDuration {
		e.flagBoth(meta, suspect.ImpossibleTiming)
		return validation.Reject(validation.CodeImpossibleTiming,
			fmt.Sprintf("match finished in %s, below the plausible minimum", elapsed.Round(time.Second))).
			WithRisk(validation.RiskCritical).Logged()
	}
	if elapsed > e.cfg.MaxMatchDuration {
		e.flagBoth(meta, suspect.ImpossibleTiming)
		return validation.Reject(validation.CodeImpossibleTiming,
			"match duration exceeds the plausible maximum").
			WithRisk(validation.RiskMedium).Logged()
	}

	//7.- Deviation from the tournament running average is a flag, not a veto.
	e.observeScores(meta, result)

	return validation.Accept()
}

// TrackSession records the player's active session, flagging duplicate
// concurrent sessions as a cheap early risk signal.
func (e *Engine) TrackSession(playerID, sessionID string) validation.Result {
	if e == nil || playerID == "" || sessionID == "" {
		return validation.Accept()
	}
	e.mu.Lock()
	existing, ok := e.sessions[playerID]
	if ok && existing != sessionID {
		e.flagLocked(playerID, suspect.DuplicateSession)
		e.mu.Unlock()
		if e.table != nil {
			e.table.Record(playerID, suspect.DuplicateSession)
		}
		return validation.Reject(validation.CodeIdentityConflict,
			"player already has an active session").
			WithRisk(validation.RiskHigh).Logged()
	}
	e.sessions[playerID] = sessionID
	e.mu.Unlock()
	return validation.Accept()
}

// RemoveSession clears the player's tracked session.
func (e *Engine) RemoveSession(playerID string) {
	if e == nil || playerID == "" {
		return
	}
	e.mu.Lock()
	delete(e.sessions, playerID)
	e.mu.Unlock()
}

// Decay lowers every risk score by the configured amount, dropping entries
// that reach zero. Called from the periodic cleanup sweep.
func (e *Engine) Decay() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	decayed := 0
	for playerID, risk := range e.risks {
		risk.score -= e.cfg.DecayPerSweep
		decayed++
		if risk.score <= 0 {
			delete(e.risks, playerID)
		}
	}
	return decayed
}

func (e *Engine) flagLocked(playerID string, pattern suspect.PatternType) {
	risk := e.risks[playerID]
	if risk == nil {
		risk = &playerRisk{flagged: make(map[suspect.PatternType]struct{})}
		e.risks[playerID] = risk
	}
	weight, ok := e.cfg.Weights[pattern]
	if !ok {
		weight = 10
	}
	risk.score += weight
	if risk.score > 100 {
		risk.score = 100
	}
	risk.flagged[pattern] = struct{}{}
	risk.lastSuspicious = e.now()
	if e.observe != nil {
		e.observe(pattern)
	}
	if e.logger != nil && risk.score >= e.cfg.RiskThreshold {
		e.logger.Warn("player crossed risk threshold",
			logging.String("player_id", playerID),
			logging.String("pattern", pattern.String()),
			logging.Field{Key: "risk_score", Value: risk.score},
		)
	}
}

func (e *Engine) flagBoth(meta MatchMetadata, pattern suspect.PatternType) {
	for _, participant := range meta.Participants {
		e.Flag(participant, pattern)
	}
}

// observeScores folds the accepted scores into the tournament running average
// and flags participants whose score deviates beyond the multiplier.
func (e *Engine) observeScores(meta MatchMetadata, result MatchResult) {
	if meta.TournamentID == "" {
		return
	}
	e.mu.Lock()
	stats := e.averages[meta.TournamentID]
	if stats == nil {
		stats = &tournamentStats{}
		e.averages[meta.TournamentID] = stats
	}
	average := 0.0
	if stats.results > 0 {
		average = stats.scoreSum / float64(stats.results)
	}
	var outliers []string
	for _, claim := range result.Participants {
		if stats.results > 0 && average > 0 && float64(claim.Score) > average*e.cfg.DeviationMultiplier {
			outliers = append(outliers, claim.PlayerID)
		}
		stats.scoreSum += float64(claim.Score)
		stats.results++
	}
	for _, playerID := range outliers {
		e.flagLocked(playerID, suspect.StatisticalAnomaly)
	}
	e.mu.Unlock()
	if e.table != nil {
		for _, playerID := range outliers {
			e.table.Record(playerID, suspect.StatisticalAnomaly)
		}
	}
}

func sameParticipants(result MatchResult, meta MatchMetadata) bool {
	a, b := result.Participants[0].PlayerID, result.Participants[1].PlayerID
	x, y := meta.Participants[0], meta.Participants[1]
	return (a == x && b == y) || (a == y && b == x)
}

func participantOf(meta MatchMetadata, playerID string) bool {
	return playerID != "" && (meta.Participants[0] == playerID || meta.Participants[1] == playerID)
}
