package pipeline

import (
	"fmt"
	"testing"
	"time"

	"pactduel/trust/internal/anticheat"
	"pactduel/trust/internal/audit"
	"pactduel/trust/internal/config"
	"pactduel/trust/internal/decision"
	"pactduel/trust/internal/validation"
)

// recordingSink captures audit events for assertions.
type recordingSink struct {
	events []audit.Event
}

func (s *recordingSink) Append(event audit.Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error { return nil }

type harness struct {
	now        time.Time
	gatekeeper *Gatekeeper
	sink       *recordingSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, nil)
}

func newHarnessWithConfig(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	h := &harness{now: time.Unix(1700000000, 0), sink: &recordingSink{}}
	cfg := &config.Config{
		Address:              config.DefaultAddr,
		PingInterval:         config.DefaultPingInterval,
		MaxPayloadBytes:      config.DefaultMaxPayloadBytes,
		QuarantineDuration:   config.DefaultQuarantineDuration,
		CleanupInterval:      config.DefaultCleanupInterval,
		MaxBindingsPerPlayer: config.DefaultMaxBindingsPerPlayer,
	}
	if mutate != nil {
		mutate(cfg)
	}
	gatekeeper, err := New(cfg, h.sink, nil, nil, WithClock(func() time.Time { return h.now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.gatekeeper = gatekeeper
	return h
}

func (h *harness) frame(msgType, playerID, payload string) []byte {
	if payload == "" {
		payload = "{}"
	}
	return []byte(fmt.Sprintf(`{"type":%q,"player_id":%q,"timestamp_ms":%d,"payload":%s}`,
		msgType, playerID, h.now.UnixMilli(), payload))
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func TestGatekeeperRejectsUnboundConnection(t *testing.T) {
	h := newHarness(t)
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if result.Valid {
		t.Fatal("expected an unbound connection to be rejected")
	}
	if result.Code != validation.CodeUnbound {
		t.Fatalf("unexpected code: %q", result.Code)
	}
}

func TestGatekeeperBindAndAccept(t *testing.T) {
	h := newHarness(t)
	if result := h.gatekeeper.BindConnection("conn-1", "player-1"); !result.Valid {
		t.Fatalf("bind rejected: %+v", result)
	}
	envelope, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if !result.Valid {
		t.Fatalf("valid frame rejected: %+v", result)
	}
	if envelope.PlayerID != "player-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestGatekeeperQuarantinesSpoofedSender(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")

	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-2", ""))
	if result.Valid || result.Code != validation.CodeIdentityMismatch {
		t.Fatalf("expected an identity mismatch, got %+v", result)
	}

	//1.- The blocking rejection quarantines the sender for the cool-down.
	h.advance(2 * time.Second)
	_, result = h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if result.Valid || result.Code != validation.CodeQuarantined {
		t.Fatalf("expected quarantine, got %+v", result)
	}

	//2.- The quarantine lapses after the configured duration.
	h.advance(config.DefaultQuarantineDuration)
	_, result = h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if !result.Valid {
		t.Fatalf("expected the quarantine to lapse: %+v", result)
	}

	if len(h.sink.events) == 0 {
		t.Fatal("expected the mismatch to be audited")
	}
}

func TestGatekeeperDecisionFlow(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")
	h.gatekeeper.Sessions().UpsertSession("session-1", decision.PhaseTrust, 10)

	payload := `{"session_id":"session-1","round":1,"choice":"trust"}`
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PLAYER_DECISION", "player-1", payload))
	if !result.Valid {
		t.Fatalf("valid decision rejected: %+v", result)
	}

	h.advance(2 * time.Second)
	_, result = h.gatekeeper.HandleMessage("conn-1", h.frame("PLAYER_DECISION", "player-1", payload))
	if result.Valid || result.Code != validation.CodeDuplicateDecision {
		t.Fatalf("expected a duplicate decision rejection, got %+v", result)
	}
}

func TestGatekeeperHostActionFlow(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")
	h.gatekeeper.BindConnection("conn-2", "player-2")
	h.gatekeeper.Hosts().SetHost("lobby-1", "player-1")

	kick := `{"action":"KICK_PLAYER","lobby_id":"lobby-1","payload":{"target_id":"player-2"}}`
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("HOST_ACTION", "player-1", kick))
	if !result.Valid {
		t.Fatalf("host kick rejected: %+v", result)
	}

	//1.- The non-host attempt is rejected and lands in the audit journal.
	before := len(h.sink.events)
	h.advance(2 * time.Second)
	_, result = h.gatekeeper.HandleMessage("conn-2", h.frame("HOST_ACTION", "player-2", kick))
	if result.Valid || result.Code != validation.CodeNotHost {
		t.Fatalf("expected a non-host rejection, got %+v", result)
	}
	if len(h.sink.events) <= before {
		t.Fatal("expected the non-host attempt to be audited")
	}
}

func TestGatekeeperMatchResultFlow(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")
	h.gatekeeper.RegisterMatch(anticheat.MatchMetadata{
		MatchID:      "match-1",
		Participants: [2]string{"player-1", "player-2"},
		TotalRounds:  10,
		StartedAt:    h.now.Add(-5 * time.Minute),
	})

	claim := fmt.Sprintf(`{"match_id":"match-1","winner_id":"player-1","loser_id":"player-2",`+
		`"participants":[{"player_id":"player-1","score":30,"cooperations":6,"defections":4},`+
		`{"player_id":"player-2","score":18,"cooperations":8,"defections":2}],`+
		`"completed_at":%q}`, h.now.Format(time.RFC3339))
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("MATCH_RESULT", "player-1", claim))
	if !result.Valid {
		t.Fatalf("plausible result rejected: %+v", result)
	}
}

func TestGatekeeperRejectsResultForUnknownMatch(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")

	claim := fmt.Sprintf(`{"match_id":"ghost","winner_id":"player-1","loser_id":"player-2",`+
		`"participants":[{"player_id":"player-1","score":1,"cooperations":1,"defections":0},`+
		`{"player_id":"player-2","score":1,"cooperations":1,"defections":0}],`+
		`"completed_at":%q}`, h.now.Format(time.RFC3339))
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("MATCH_RESULT", "player-1", claim))
	if result.Valid || result.Code != validation.CodeResultMismatch {
		t.Fatalf("expected a mismatch for the unknown match, got %+v", result)
	}
}

func TestGatekeeperBlocksHighRiskSender(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")

	//1.- Three impossible-timing flags push the score past the threshold.
	meta := anticheat.MatchMetadata{
		MatchID:      "match-1",
		Participants: [2]string{"player-1", "player-2"},
		TotalRounds:  10,
		StartedAt:    h.now.Add(-time.Second),
	}
	h.gatekeeper.RegisterMatch(meta)
	for i := 0; i < 3; i++ {
		h.advance(2 * time.Second)
		claim := fmt.Sprintf(`{"match_id":"match-1","winner_id":"player-1","loser_id":"player-2",`+
			`"participants":[{"player_id":"player-1","score":30,"cooperations":6,"defections":4},`+
			`{"player_id":"player-2","score":18,"cooperations":8,"defections":2}],`+
			`"completed_at":%q}`, h.now.Format(time.RFC3339))
		_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("MATCH_RESULT", "player-1", claim))
		if result.Valid || result.Code != validation.CodeImpossibleTiming {
			t.Fatalf("attempt %d: expected impossible timing, got %+v", i+1, result)
		}
	}

	report := h.gatekeeper.Report("player-1")
	if !report.Risk.Blocked {
		t.Fatalf("expected the sender to be blocked, score %.0f", report.Risk.RiskScore)
	}

	h.advance(2 * time.Second)
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if result.Valid || result.Code != validation.CodePlayerBlocked {
		t.Fatalf("expected the blocked sender to be refused, got %+v", result)
	}
}

func TestGatekeeperAIDecisionsBypassTimingChecks(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "bot-1")
	h.gatekeeper.Sessions().UpsertSession("session-1", decision.PhaseTrust, 10)
	h.gatekeeper.Sessions().MarkAI("session-1", "bot-1")

	//1.- The AI participant decides far faster than any human budget allows.
	for round := 1; round <= 3; round++ {
		h.advance(10 * time.Millisecond)
		payload := fmt.Sprintf(`{"session_id":"session-1","round":%d,"choice":"trust"}`, round)
		_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PLAYER_DECISION", "bot-1", payload))
		if !result.Valid {
			t.Fatalf("round %d: AI decision rejected: %+v", round, result)
		}
	}

	//2.- A human sender at the same cadence is rate limited.
	h.gatekeeper.BindConnection("conn-2", "player-2")
	payload := `{"session_id":"session-1","round":1,"choice":"trust"}`
	if _, result := h.gatekeeper.HandleMessage("conn-2", h.frame("PLAYER_DECISION", "player-2", payload)); !result.Valid {
		t.Fatalf("first human decision rejected: %+v", result)
	}
	h.advance(10 * time.Millisecond)
	payload = `{"session_id":"session-1","round":2,"choice":"trust"}`
	_, result := h.gatekeeper.HandleMessage("conn-2", h.frame("PLAYER_DECISION", "player-2", payload))
	if result.Valid || result.Code != validation.CodeRateLimited {
		t.Fatalf("expected the human sender to be rate limited, got %+v", result)
	}
}

func TestGatekeeperSustainedMaliciousPayloadsBlockSender(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")

	//1.- Each deny-list hit quarantines the sender and adds weighted risk.
	for i := 0; i < 4; i++ {
		payload := fmt.Sprintf(`{"text":"__proto__ attempt %d"}`, i)
		_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("CHAT_MESSAGE", "player-1", payload))
		if result.Valid || result.Code != validation.CodeMaliciousPayload {
			t.Fatalf("attempt %d: expected a malicious payload rejection, got %+v", i+1, result)
		}
		h.advance(config.DefaultQuarantineDuration + 2*time.Second)
	}

	//2.- The accumulated flags cross the risk threshold and block outright.
	report := h.gatekeeper.Report("player-1")
	if !report.Risk.Blocked {
		t.Fatalf("expected sustained malicious traffic to block, score %.0f", report.Risk.RiskScore)
	}
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if result.Valid || result.Code != validation.CodePlayerBlocked {
		t.Fatalf("expected the blocked sender to be refused, got %+v", result)
	}
}

func TestGatekeeperDuplicateThresholdFromConfig(t *testing.T) {
	h := newHarnessWithConfig(t, func(cfg *config.Config) {
		cfg.Message.DuplicateThreshold = 2
	})
	h.gatekeeper.BindConnection("conn-1", "player-1")

	payload := `{"text":"join my lobby"}`
	if _, result := h.gatekeeper.HandleMessage("conn-1", h.frame("CHAT_MESSAGE", "player-1", payload)); !result.Valid {
		t.Fatalf("first message rejected: %+v", result)
	}
	h.advance(2 * time.Second)
	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("CHAT_MESSAGE", "player-1", payload))
	if result.Valid || result.Code != validation.CodeDuplicateContent {
		t.Fatalf("expected the lowered threshold to reject the repeat, got %+v", result)
	}
}

func TestGatekeeperUnbindForgetsSenderState(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")
	h.gatekeeper.UnbindConnection("conn-1")

	_, result := h.gatekeeper.HandleMessage("conn-1", h.frame("PING", "player-1", ""))
	if result.Valid || result.Code != validation.CodeUnbound {
		t.Fatalf("expected the unbound connection to be rejected, got %+v", result)
	}
	if result := h.gatekeeper.BindConnection("conn-2", "player-1"); !result.Valid {
		t.Fatalf("identity should be free after unbind: %+v", result)
	}
}

func TestGatekeeperLobbyCodes(t *testing.T) {
	h := newHarness(t)
	code, err := h.gatekeeper.IssueLobbyCode()
	if err != nil {
		t.Fatalf("IssueLobbyCode: %v", err)
	}
	if result := h.gatekeeper.RedeemLobbyCode(code.Value); !result.Valid {
		t.Fatalf("redeem rejected: %+v", result)
	}
	if result := h.gatekeeper.RedeemLobbyCode("BOGUS123"); result.Valid {
		t.Fatal("expected an unknown code to be rejected")
	}
}

func TestGatekeeperSweepDecaysRisk(t *testing.T) {
	h := newHarness(t)
	h.gatekeeper.BindConnection("conn-1", "player-1")
	h.gatekeeper.TrackSession("player-1", "session-1")
	h.gatekeeper.TrackSession("player-1", "session-2")

	before := h.gatekeeper.Report("player-1").Risk.RiskScore
	if before <= 0 {
		t.Fatal("expected the duplicate session to raise risk")
	}
	h.gatekeeper.Sweep()
	after := h.gatekeeper.Report("player-1").Risk.RiskScore
	if after >= before {
		t.Fatalf("expected the sweep to decay risk: %.0f -> %.0f", before, after)
	}
}
