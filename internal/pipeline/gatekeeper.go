package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pactduel/trust/internal/anticheat"
	"pactduel/trust/internal/audit"
	"pactduel/trust/internal/config"
	"pactduel/trust/internal/decision"
	"pactduel/trust/internal/hostauth"
	"pactduel/trust/internal/identity"
	"pactduel/trust/internal/lobbycode"
	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/message"
	"pactduel/trust/internal/metrics"
	"pactduel/trust/internal/ratelimit"
	"pactduel/trust/internal/replayguard"
	"pactduel/trust/internal/suspect"
	"pactduel/trust/internal/validation"
)

// Pipeline stage labels used for metrics.
const (
	stageIdentity   = "identity"
	stageMessage    = "message"
	stageDecision   = "decision"
	stageHost       = "host"
	stageMatch      = "match"
	stageQuarantine = "quarantine"
)

// Gatekeeper composes the trust layer validators into the ordered inbound
// pipeline and owns the cross-cutting state: quarantine, match metadata, and
// the periodic cleanup sweep. One Gatekeeper serves every connection.
type Gatekeeper struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	sink    audit.Sink
	now     func() time.Time

	binder    *identity.Binder
	limiter   *ratelimit.Limiter
	replay    *replayguard.Guard
	table     *suspect.Table
	messages  *message.Validator
	decisions *decision.Validator
	hosts     *hostauth.Authorizer
	cheats    *anticheat.Engine
	codes     *lobbycode.Issuer

	mu          sync.Mutex
	quarantined map[string]time.Time
	matches     map[string]anticheat.MatchMetadata

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
}

// Option customises gatekeeper construction.
type Option func(*Gatekeeper)

// WithClock injects a deterministic time source for tests. The shared clock is
// propagated to every composed validator.
func WithClock(clock func() time.Time) Option {
	return func(g *Gatekeeper) {
		if clock != nil {
			g.now = clock
		}
	}
}

// New builds the full validation pipeline from configuration. The suspicious
// pattern table, rate limiter, and replay guard are shared across stages so a
// sender's behaviour accumulates into one risk picture.
func New(cfg *config.Config, sink audit.Sink, m *metrics.Metrics, logger *logging.Logger, opts ...Option) (*Gatekeeper, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline configuration must be provided")
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	gatekeeper := &Gatekeeper{
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		sink:        sink,
		now:         time.Now,
		quarantined: make(map[string]time.Time),
		matches:     make(map[string]anticheat.MatchMetadata),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gatekeeper)
		}
	}
	clock := func() time.Time { return gatekeeper.now() }

	gatekeeper.table = suspect.NewTable(suspect.WithClock(clock))
	gatekeeper.binder = identity.NewBinder(logger,
		identity.WithClock(clock),
		identity.WithMaxBindingsPerPlayer(cfg.MaxBindingsPerPlayer),
	)
	gatekeeper.limiter = ratelimit.NewLimiter(ratePolicies(cfg), logger, ratelimit.WithClock(clock))
	gatekeeper.replay = replayguard.NewGuard(replayguard.Config{
		DriftTolerance: cfg.Replay.DriftTolerance,
		ReplayWindow:   cfg.Replay.ReplayWindow,
		CollisionGap:   cfg.Replay.CollisionGap,
	}, replayguard.WithClock(clock))
	gatekeeper.decisions = decision.NewValidator(decision.WithClock(clock))
	gatekeeper.cheats = anticheat.NewEngine(anticheat.Config{
		RiskThreshold:       cfg.AntiCheat.RiskThreshold,
		MinMatchDuration:    cfg.AntiCheat.MinMatchDuration,
		MaxMatchDuration:    cfg.AntiCheat.MaxMatchDuration,
		FutureTolerance:     cfg.AntiCheat.FutureTolerance,
		DeviationMultiplier: cfg.AntiCheat.DeviationMultiplier,
		DecayPerSweep:       cfg.AntiCheat.DecayPerSweep,
		MaxPointsPerRound:   cfg.AntiCheat.MaxPointsPerRound,
		MaxCombinedPerRound: cfg.AntiCheat.MaxCombinedPerRound,
	}, gatekeeper.table, logger,
		anticheat.WithClock(clock),
		anticheat.WithFlagObserver(func(pattern suspect.PatternType) {
			gatekeeper.metrics.ObserveFlag(pattern.String())
		}),
	)
	// Stages flag through the engine so the table and risk score move together.
	gatekeeper.hosts = hostauth.NewAuthorizer(gatekeeper.limiter, gatekeeper.cheats, logger)
	gatekeeper.codes = lobbycode.NewIssuer(lobbycode.Config{
		Length:         cfg.LobbyCodes.Length,
		TTL:            cfg.LobbyCodes.TTL,
		MaxUsage:       cfg.LobbyCodes.MaxUsage,
		MaxAttempts:    cfg.LobbyCodes.MaxAttempts,
		MinEntropyBits: cfg.LobbyCodes.MinEntropyBits,
	}, logger, lobbycode.WithClock(clock))

	validator, err := message.NewValidator(message.Config{
		MaxPayloadBytes:    cfg.MaxPayloadBytes,
		DuplicateWindow:    cfg.Message.DuplicateWindow,
		DuplicateThreshold: cfg.Message.DuplicateThreshold,
		SpamThreshold:      cfg.Message.SpamThreshold,
	}, gatekeeper.limiter, gatekeeper.replay, gatekeeper.cheats, logger,
		message.WithClock(clock),
		message.WithTimingExemption(gatekeeper.timingExempt),
	)
	if err != nil {
		return nil, err
	}
	gatekeeper.messages = validator
	return gatekeeper, nil
}

// timingExempt reports whether the envelope comes from an AI-controlled
// participant, which bypasses the rate and replay gates entirely.
func (g *Gatekeeper) timingExempt(envelope message.Envelope) bool {
	if envelope.Type != message.TypePlayerDecision {
		return false
	}
	var payload decisionPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.SessionID == "" {
		return false
	}
	return g.decisions.IsAI(payload.SessionID, envelope.PlayerID)
}

func ratePolicies(cfg *config.Config) map[ratelimit.Class]ratelimit.Policy {
	policies := make(map[ratelimit.Class]ratelimit.Policy, len(ratelimit.DefaultPolicies))
	for class, policy := range ratelimit.DefaultPolicies {
		policies[class] = policy
	}
	for name, override := range cfg.RatePolicies {
		class := ratelimit.Class(name)
		if _, ok := policies[class]; !ok {
			continue
		}
		policy := policies[class]
		if override.Window > 0 {
			policy.Window = override.Window
		}
		if override.Limit > 0 {
			policy.Limit = override.Limit
		}
		if override.MinSpacing > 0 {
			policy.MinSpacing = override.MinSpacing
		}
		policies[class] = policy
	}
	return policies
}

// BindConnection binds a freshly authenticated connection to its player
// identity. Binding conflicts fail closed.
func (g *Gatekeeper) BindConnection(connectionID, playerID string) validation.Result {
	result := g.binder.Bind(connectionID, playerID)
	g.observe(stageIdentity, result, connectionID, playerID, "")
	if result.Valid && g.metrics != nil {
		g.metrics.Bindings.Set(float64(g.binder.ActiveBindings()))
	}
	return result
}

// UnbindConnection releases a connection's binding and its per-sender state.
func (g *Gatekeeper) UnbindConnection(connectionID string) {
	binding, bound := g.binder.Lookup(connectionID)
	g.binder.Unbind(connectionID)
	if bound {
		g.replay.Forget(binding.PlayerID)
		g.messages.Forget(binding.PlayerID)
		g.cheats.RemoveSession(binding.PlayerID)
	}
	if g.metrics != nil {
		g.metrics.Bindings.Set(float64(g.binder.ActiveBindings()))
	}
}

// decisionPayload is the PLAYER_DECISION payload shape.
type decisionPayload struct {
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
	Choice    string `json:"choice"`
}

// hostPayload is the HOST_ACTION payload shape. The sender identity is taken
// from the binding, never from the payload.
type hostPayload struct {
	Action  hostauth.ActionType `json:"action"`
	LobbyID string              `json:"lobby_id"`
	Payload json.RawMessage     `json:"payload,omitempty"`
}

// matchPayload is the MATCH_RESULT payload shape.
type matchPayload struct {
	MatchID      string                         `json:"match_id"`
	WinnerID     string                         `json:"winner_id"`
	LoserID      string                         `json:"loser_id"`
	Participants [2]anticheat.ParticipantResult `json:"participants"`
	CompletedAt  time.Time                      `json:"completed_at"`
}

// HandleMessage runs a raw inbound frame through the complete pipeline and
// returns the decoded envelope alongside the final verdict. Rejections with
// the blocking hint quarantine the sender before returning.
func (g *Gatekeeper) HandleMessage(connectionID string, raw []byte) (message.Envelope, validation.Result) {
	//1.- Connections must be bound before any payload is considered.
	binding, bound := g.binder.Lookup(connectionID)
	if !bound {
		result := validation.Reject(validation.CodeUnbound, "connection has no bound identity").
			WithRisk(validation.RiskHigh).Logged()
		g.observe(stageIdentity, result, connectionID, "", "")
		return message.Envelope{}, result
	}
	playerID := binding.PlayerID

	//2.- Quarantined senders are refused outright until the cool-down lapses.
	if until, active := g.quarantineUntil(playerID); active {
		result := validation.Reject(validation.CodeQuarantined,
			fmt.Sprintf("sender quarantined until %s", until.UTC().Format(time.RFC3339))).
			WithRisk(validation.RiskHigh)
		g.observe(stageQuarantine, result, connectionID, playerID, "")
		return message.Envelope{}, result
	}

	//3.- Senders over the risk threshold are blocked before parsing.
	if g.cheats.IsBlocked(playerID) {
		result := validation.Reject(validation.CodePlayerBlocked,
			"sender exceeds the risk threshold").
			WithRisk(validation.RiskCritical).Blocking().Logged()
		g.finish(stageMatch, result, connectionID, playerID, "")
		return message.Envelope{}, result
	}

	//4.- Transport-level pipeline: structure, identity echo, rate, replay, content.
	envelope, result := g.messages.Check(playerID, raw)
	if !result.Valid {
		g.finish(stageMessage, result, connectionID, playerID, string(envelope.Type))
		return envelope, result
	}
	g.observe(stageMessage, result, connectionID, playerID, string(envelope.Type))

	//5.- Type-specific validation for the stateful message kinds.
	switch envelope.Type {
	case message.TypePlayerDecision:
		result = g.checkDecision(playerID, envelope)
		g.finish(stageDecision, result, connectionID, playerID, string(envelope.Type))
	case message.TypeHostAction:
		result = g.checkHostAction(playerID, envelope)
		g.finish(stageHost, result, connectionID, playerID, string(envelope.Type))
	case message.TypeMatchResult:
		result = g.checkMatchResult(playerID, envelope)
		g.finish(stageMatch, result, connectionID, playerID, string(envelope.Type))
	}
	return envelope, result
}

func (g *Gatekeeper) checkDecision(playerID string, envelope message.Envelope) validation.Result {
	var payload decisionPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.SessionID == "" {
		return validation.Reject(validation.CodeMalformed, "decision payload is malformed")
	}
	return g.decisions.ValidateDecision(payload.SessionID, playerID, payload.Round)
}

func (g *Gatekeeper) checkHostAction(playerID string, envelope message.Envelope) validation.Result {
	var payload hostPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.Action == "" {
		return validation.Reject(validation.CodeBadHostPayload, "host action payload is malformed")
	}
	return g.hosts.Authorize(hostauth.Action{
		Type:     payload.Action,
		LobbyID:  payload.LobbyID,
		SenderID: playerID,
		Payload:  payload.Payload,
	})
}

func (g *Gatekeeper) checkMatchResult(playerID string, envelope message.Envelope) validation.Result {
	var payload matchPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil || payload.MatchID == "" {
		return validation.Reject(validation.CodeMalformed, "match result payload is malformed")
	}
	meta, known := g.matchMetadata(payload.MatchID)
	if !known {
		return validation.Reject(validation.CodeResultMismatch,
			fmt.Sprintf("no authoritative record for match %q", payload.MatchID)).
			WithRisk(validation.RiskHigh).Logged()
	}
	return g.cheats.ValidateMatchResult(anticheat.MatchResult{
		MatchID:      payload.MatchID,
		WinnerID:     payload.WinnerID,
		LoserID:      payload.LoserID,
		Participants: payload.Participants,
		CompletedAt:  payload.CompletedAt,
	}, meta)
}

// observe records metrics for a stage outcome without auditing or quarantine.
func (g *Gatekeeper) observe(stage string, result validation.Result, connectionID, playerID, msgType string) {
	if g.metrics != nil {
		g.metrics.ObserveDecision(stage, result.Valid)
		if !result.Valid {
			g.metrics.ObserveRejection(string(result.Code))
		}
	}
	if result.ShouldLog {
		g.audit(result, connectionID, playerID, msgType)
	}
}

// finish applies the side effects of a final verdict: metrics, audit, and the
// quarantine transition for blocking rejections.
func (g *Gatekeeper) finish(stage string, result validation.Result, connectionID, playerID, msgType string) {
	g.observe(stage, result, connectionID, playerID, msgType)
	if !result.Valid && result.ShouldBlock && playerID != "" {
		g.quarantine(playerID)
	}
}

func (g *Gatekeeper) audit(result validation.Result, connectionID, playerID, msgType string) {
	event := audit.Event{
		ConnectionID: connectionID,
		PlayerID:     playerID,
		MessageType:  msgType,
		Code:         result.Code,
		Risk:         result.Risk,
		Valid:        result.Valid,
		Detail:       result.Message,
	}
	if err := g.sink.Append(event); err != nil && g.logger != nil {
		g.logger.Error("audit append failed", logging.Error(err))
	}
}

func (g *Gatekeeper) quarantine(playerID string) {
	until := g.now().Add(g.cfg.QuarantineDuration)
	g.mu.Lock()
	g.quarantined[playerID] = until
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.Quarantines.Inc()
	}
	if g.logger != nil {
		g.logger.Warn("sender quarantined",
			logging.String("player_id", playerID),
			logging.String("until", until.UTC().Format(time.RFC3339)),
		)
	}
}

func (g *Gatekeeper) quarantineUntil(playerID string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.quarantined[playerID]
	if !ok {
		return time.Time{}, false
	}
	if !g.now().Before(until) {
		delete(g.quarantined, playerID)
		return time.Time{}, false
	}
	return until, true
}

func (g *Gatekeeper) matchMetadata(matchID string) (anticheat.MatchMetadata, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	meta, ok := g.matches[matchID]
	return meta, ok
}

// RegisterMatch records the authoritative metadata submitted results are
// checked against. Called by the session runner when a match starts.
func (g *Gatekeeper) RegisterMatch(meta anticheat.MatchMetadata) {
	if meta.MatchID == "" {
		return
	}
	g.mu.Lock()
	g.matches[meta.MatchID] = meta
	g.mu.Unlock()
}

// CompleteMatch drops the authoritative record once the result is settled.
func (g *Gatekeeper) CompleteMatch(matchID string) {
	g.mu.Lock()
	delete(g.matches, matchID)
	g.mu.Unlock()
}

// Sessions exposes the decision validator for the session runner to feed
// phase transitions and round caps.
func (g *Gatekeeper) Sessions() *decision.Validator { return g.decisions }

// Hosts exposes the host authorizer so lobby creation can record the host.
func (g *Gatekeeper) Hosts() *hostauth.Authorizer { return g.hosts }

// TrackSession registers a live game session for a player and rejects
// concurrent duplicates.
func (g *Gatekeeper) TrackSession(playerID, sessionID string) validation.Result {
	result := g.cheats.TrackSession(playerID, sessionID)
	g.finish(stageMatch, result, "", playerID, "")
	return result
}

// IssueLobbyCode mints a secure join code.
func (g *Gatekeeper) IssueLobbyCode() (lobbycode.Code, error) {
	code, err := g.codes.Issue()
	if err == nil && g.metrics != nil {
		g.metrics.CodesIssued.Inc()
	}
	return code, err
}

// RedeemLobbyCode validates a join code presented by a player.
func (g *Gatekeeper) RedeemLobbyCode(value string) validation.Result {
	return g.codes.Redeem(value)
}

// TrustReport is the per-player snapshot served on the ops endpoint.
type TrustReport struct {
	Risk           anticheat.Metrics `json:"risk"`
	RateViolations int               `json:"rate_violations"`
	Patterns       []suspect.Pattern `json:"patterns,omitempty"`
	Quarantined    bool              `json:"quarantined"`
}

// Report assembles the trust state for one player.
func (g *Gatekeeper) Report(playerID string) TrustReport {
	_, quarantined := g.quarantineUntil(playerID)
	return TrustReport{
		Risk:           g.cheats.SnapshotMetrics(playerID),
		RateViolations: g.limiter.Violations(playerID),
		Patterns:       g.table.Snapshot(playerID),
		Quarantined:    quarantined,
	}
}

// Start launches the periodic cleanup sweep.
func (g *Gatekeeper) Start() {
	g.startOnce.Do(func() {
		g.started = true
		go g.run()
	})
}

// Stop halts the cleanup sweep and waits for it to drain.
func (g *Gatekeeper) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	if g.started {
		<-g.done
	}
}

func (g *Gatekeeper) run() {
	defer close(g.done)
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Sweep prunes expired state across every validator and decays risk scores.
// Exposed for deterministic tests.
func (g *Gatekeeper) Sweep() {
	maxIdle := g.cfg.CleanupInterval * 2
	pruned := g.limiter.Cleanup(maxIdle)
	pruned += g.replay.Cleanup()
	pruned += g.table.Cleanup(maxIdle)
	pruned += g.messages.Cleanup()
	pruned += g.decisions.Cleanup(maxIdle)
	pruned += g.codes.Cleanup()
	decayed := g.cheats.Decay()

	g.mu.Lock()
	now := g.now()
	for playerID, until := range g.quarantined {
		if !now.Before(until) {
			delete(g.quarantined, playerID)
		}
	}
	g.mu.Unlock()

	if g.logger != nil && (pruned > 0 || decayed > 0) {
		g.logger.Debug("cleanup sweep completed",
			logging.Int("pruned", pruned),
			logging.Int("decayed", decayed),
		)
	}
}
